package purchase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paywallBack/internal/models"
)

func newTestConnection(store *stubStore) (*Connection, *Processor) {
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})
	return NewConnection(store, proc, testConfig(), testLogger{}), proc
}

func TestConnectSingleFlight(t *testing.T) {
	store := &stubStore{connectDelay: 20 * time.Millisecond}
	conn, _ := newTestConnection(store)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conn.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect[%d]: %v", i, err)
		}
	}
	store.mu.Lock()
	connects, subscribes := store.connects, store.subscribes
	store.mu.Unlock()
	if connects != 1 {
		t.Fatalf("expected a single store connect, got %d", connects)
	}
	if subscribes != 1 {
		t.Fatalf("expected a single listener registration, got %d", subscribes)
	}
	if !conn.Ready() {
		t.Fatal("connection must be ready after Connect")
	}
}

func TestConnectTimeoutClearsGuard(t *testing.T) {
	store := &stubStore{connectDelay: 200 * time.Millisecond}
	conn, _ := newTestConnection(store)

	err := conn.Connect(context.Background())
	var perr *Error
	if !errors.As(err, &perr) || perr.Category != CategoryTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if conn.Ready() {
		t.Fatal("connection must not be ready after timeout")
	}
	store.mu.Lock()
	unsubscribes := store.unsubscribes
	store.connectDelay = 0
	store.mu.Unlock()
	if unsubscribes != 1 {
		t.Fatalf("timed-out connect must unsubscribe, got %d", unsubscribes)
	}

	// The single-flight guard is cleared: a later attempt starts clean.
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after timeout: %v", err)
	}
	if !conn.Ready() {
		t.Fatal("connection must recover once the store responds")
	}
}

func TestConnectFailureReportedToWaiters(t *testing.T) {
	store := &stubStore{connectErr: errors.New("billing unavailable"), connectDelay: 10 * time.Millisecond}
	conn, _ := newTestConnection(store)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conn.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		var perr *Error
		if !errors.As(err, &perr) || perr.Category != CategoryStoreUnavailable {
			t.Fatalf("Connect[%d]: expected store_unavailable, got %v", i, err)
		}
	}
	store.mu.Lock()
	connects := store.connects
	store.mu.Unlock()
	if connects != 1 {
		t.Fatalf("waiters must share the failed attempt, got %d connects", connects)
	}
}

func TestConnectDrainsPendingWithoutCallback(t *testing.T) {
	store := &stubStore{pending: []models.PurchaseEvent{testEvent("P1"), testEvent("P2")}}
	conn, proc := newTestConnection(store)
	proc.OnSuccess = func(ev models.PurchaseEvent, _ bool) {
		t.Fatalf("success callback fired for leftover tx=%s", ev.TransactionID)
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := store.finalizedCount(); got != 2 {
		t.Fatalf("expected 2 leftovers finalized, got %d", got)
	}
}

func TestConnectIgnoresFlushFailure(t *testing.T) {
	store := &stubStore{flushErr: errors.New("void list unavailable")}
	conn, _ := newTestConnection(store)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("flush failure must not abort connect: %v", err)
	}
	store.mu.Lock()
	flushes := store.flushes
	store.mu.Unlock()
	if flushes != 1 {
		t.Fatalf("expected flush attempted once, got %d", flushes)
	}
}

func TestDisconnect(t *testing.T) {
	store := &stubStore{}
	conn, _ := newTestConnection(store)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Disconnect()

	if conn.Ready() {
		t.Fatal("connection must not be ready after Disconnect")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.unsubscribes != 1 {
		t.Fatalf("expected listener removed on disconnect, got %d", store.unsubscribes)
	}
}
