package models

import (
	"github.com/dgrijalva/jwt-go"
)

// Claims is the JWT payload issued by the main application backend; this
// service only validates tokens, it never issues them.
type Claims struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}
