package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"paywallBack/internal/models"
)

var ErrNotFound = errors.New("not found")

// TransactionRepository journals processed purchase transactions. The journal
// is the durable record behind entitlements: webhook redeliveries and restores
// must be able to answer "did we already apply this" across restarts.
type TransactionRepository struct {
	DB *sql.DB

	once sync.Once
	err  error
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{DB: db}
}

func (r *TransactionRepository) ensureSchema(ctx context.Context) error {
	r.once.Do(func() {
		const ddl = `
CREATE TABLE IF NOT EXISTS purchase_transactions (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    transaction_id VARCHAR(255) NOT NULL,
    user_id INT NOT NULL,
    product_id VARCHAR(255) DEFAULT '',
    platform VARCHAR(32) NOT NULL,
    order_id VARCHAR(255) DEFAULT '',
    raw_receipt LONGTEXT,
    finalized TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_transaction_id (transaction_id),
    KEY idx_order_id (order_id),
    KEY idx_user_id (user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		_, r.err = r.DB.ExecContext(ctx, ddl)
	})
	return r.err
}

// IsProcessed reports whether the transaction is journaled and fully
// finalized. Webhook redeliveries that outlive the short-lived dedup cache
// are dropped on this durable check.
func (r *TransactionRepository) IsProcessed(ctx context.Context, transactionID string) (bool, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return false, err
	}
	var exists bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM purchase_transactions WHERE transaction_id = ? AND finalized = 1)`, transactionID).Scan(&exists)
	return exists, err
}

// Claim binds a transaction to its purchaser before the store-side event
// arrives. First owner wins: claiming a transaction already bound to another
// user leaves the original binding untouched.
func (r *TransactionRepository) Claim(ctx context.Context, rec models.PurchaseRecord) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if rec.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if rec.UserID == 0 {
		return fmt.Errorf("user_id is required")
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO purchase_transactions (transaction_id, user_id, product_id, platform, order_id, raw_receipt, finalized)
VALUES (?, ?, ?, ?, ?, '', 0)
ON DUPLICATE KEY UPDATE
    user_id = IF(user_id = 0, VALUES(user_id), user_id),
    order_id = IF(order_id = '', VALUES(order_id), order_id)
`, rec.TransactionID, rec.UserID, rec.ProductID, rec.Platform, rec.OrderID)
	return err
}

// Save journals one transaction. It is safe to call multiple times for the
// same transaction id: later saves enrich the row but never reassign the
// owner a Claim established.
func (r *TransactionRepository) Save(ctx context.Context, rec models.PurchaseRecord) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if rec.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO purchase_transactions (transaction_id, user_id, product_id, platform, order_id, raw_receipt, finalized)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    user_id = IF(user_id = 0, VALUES(user_id), user_id),
    product_id = IF(VALUES(product_id) = '', product_id, VALUES(product_id)),
    order_id = IF(VALUES(order_id) = '', order_id, VALUES(order_id)),
    raw_receipt = IF(VALUES(raw_receipt) = '', raw_receipt, VALUES(raw_receipt)),
    finalized = VALUES(finalized)
`, rec.TransactionID, rec.UserID, rec.ProductID, rec.Platform, rec.OrderID, rec.Raw, rec.Finalized)
	return err
}

// MarkFinalized flips the finalized flag once the store acknowledged the
// purchase.
func (r *TransactionRepository) MarkFinalized(ctx context.Context, transactionID string) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE purchase_transactions SET finalized = 1 WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnfinalized returns journaled transactions whose store acknowledgement
// never succeeded, oldest first.
func (r *TransactionRepository) ListUnfinalized(ctx context.Context, limit int) ([]models.PurchaseRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT transaction_id, user_id, product_id, platform, order_id, raw_receipt, finalized, created_at
FROM purchase_transactions
WHERE finalized = 0
ORDER BY id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.PurchaseRecord
	for rows.Next() {
		var rec models.PurchaseRecord
		if err := rows.Scan(&rec.TransactionID, &rec.UserID, &rec.ProductID, &rec.Platform, &rec.OrderID, &rec.Raw, &rec.Finalized, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetOwner returns the user a transaction belongs to.
func (r *TransactionRepository) GetOwner(ctx context.Context, transactionID string) (int, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var userID int
	err := r.DB.QueryRowContext(ctx, `SELECT user_id FROM purchase_transactions WHERE transaction_id = ? LIMIT 1`, transactionID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return userID, nil
}

// GetOwnerByOrderID resolves the user through the store order id. Renewal
// events carry a fresh transaction id but keep the original order id.
func (r *TransactionRepository) GetOwnerByOrderID(ctx context.Context, orderID string) (int, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var userID int
	err := r.DB.QueryRowContext(ctx, `SELECT user_id FROM purchase_transactions WHERE order_id = ? ORDER BY id DESC LIMIT 1`, orderID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return userID, nil
}

// ListByUser returns the journaled transactions for one user, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int) ([]models.PurchaseRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT transaction_id, user_id, product_id, platform, order_id, raw_receipt, finalized, created_at
FROM purchase_transactions
WHERE user_id = ?
ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.PurchaseRecord
	for rows.Next() {
		var rec models.PurchaseRecord
		if err := rows.Scan(&rec.TransactionID, &rec.UserID, &rec.ProductID, &rec.Platform, &rec.OrderID, &rec.Raw, &rec.Finalized, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
