package purchase

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"paywallBack/internal/models"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type stubStore struct {
	mu sync.Mutex

	platform     models.Platform
	connectErr   error
	connectDelay time.Duration
	connects     int
	flushErr     error
	flushes      int
	pending      []models.PurchaseEvent
	products     []models.Product
	loadResults  []error
	emptyLoads   int
	loadCalls    int
	purchases    []models.PurchaseEvent
	listErr      error
	finalized    []string
	finalizeErr  error
	requests     []PurchaseRequest
	requestErr   error
	listener     Listener
	subscribes   int
	unsubscribes int
}

func (s *stubStore) Platform() models.Platform {
	if s.platform == "" {
		return models.PlatformPlayStore
	}
	return s.platform
}

func (s *stubStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connects++
	delay := s.connectDelay
	err := s.connectErr
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *stubStore) Disconnect() error { return nil }

func (s *stubStore) LoadProducts(ctx context.Context, ids []string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.loadCalls
	s.loadCalls++
	if call < len(s.loadResults) {
		if err := s.loadResults[call]; err != nil {
			return nil, err
		}
	}
	if call < s.emptyLoads {
		return nil, nil
	}
	return s.products, nil
}

func (s *stubStore) RequestPurchase(ctx context.Context, req PurchaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.requestErr
}

func (s *stubStore) ListPurchases(ctx context.Context) ([]models.PurchaseEvent, error) {
	return s.purchases, s.listErr
}

func (s *stubStore) Finalize(ctx context.Context, ev models.PurchaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, ev.TransactionID)
	return s.finalizeErr
}

func (s *stubStore) FlushFailedCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return s.flushErr
}

func (s *stubStore) PendingFinalize(ctx context.Context) ([]models.PurchaseEvent, error) {
	return s.pending, nil
}

func (s *stubStore) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	s.subscribes++
}

func (s *stubStore) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
	s.unsubscribes++
}

func (s *stubStore) finalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalized)
}

type stubBackend struct {
	mu           sync.Mutex
	verifyCalls  int
	restoreCalls int
	verifyFn     func(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error)
	restoreFn    func(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error)
}

func (b *stubBackend) VerifyPurchase(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
	b.mu.Lock()
	b.verifyCalls++
	fn := b.verifyFn
	b.mu.Unlock()
	if fn == nil {
		return models.VerificationResult{Valid: true}, nil
	}
	return fn(ctx, ev)
}

func (b *stubBackend) RestorePurchase(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
	b.mu.Lock()
	b.restoreCalls++
	fn := b.restoreFn
	b.mu.Unlock()
	if fn == nil {
		return models.VerificationResult{Valid: true}, nil
	}
	return fn(ctx, ev)
}

func (b *stubBackend) calls() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verifyCalls, b.restoreCalls
}

func testConfig() Config {
	return Config{
		ConnectTimeout:    50 * time.Millisecond,
		VerifyTimeout:     100 * time.Millisecond,
		VerifyAttempts:    3,
		RetryDelay:        5 * time.Millisecond,
		CatalogAttempts:   3,
		CatalogRetryDelay: 5 * time.Millisecond,
		Products: map[models.SubscriptionTier]string{
			models.TierMonthly: "sub.monthly",
			models.TierYearly:  "sub.yearly",
		},
	}
}

func testEvent(tx string) models.PurchaseEvent {
	return models.PurchaseEvent{
		TransactionID: tx,
		ProductID:     "sub.monthly",
		Receipt:       []byte("token-" + tx),
		OrderID:       "GPA." + tx,
		PurchasedAt:   time.Now(),
	}
}

func transientErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestProcessHappyPath(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})

	successes := 0
	proc.OnSuccess = func(ev models.PurchaseEvent, _ bool) {
		successes++
		if ev.TransactionID != "T1" {
			t.Fatalf("unexpected success event tx=%s", ev.TransactionID)
		}
	}

	if err := proc.Process(context.Background(), testEvent("T1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if v, _ := backend.calls(); v != 1 {
		t.Fatalf("expected 1 verification call, got %d", v)
	}
	if store.finalizedCount() != 1 {
		t.Fatalf("expected 1 finalize call, got %d", store.finalizedCount())
	}
	if successes != 1 {
		t.Fatalf("expected 1 success callback, got %d", successes)
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.inFlight) != 0 {
		t.Fatalf("expected empty in-flight set, got %d entries", len(proc.inFlight))
	}
	if proc.lastProcessed != "T1" {
		t.Fatalf("expected lastProcessed T1, got %q", proc.lastProcessed)
	}
}

func TestProcessConcurrentDuplicateSkipped(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.verifyFn = func(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
		close(entered)
		<-release
		return models.VerificationResult{Valid: true}, nil
	}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})
	successes := 0
	proc.OnSuccess = func(models.PurchaseEvent, bool) { successes++ }

	done := make(chan error, 1)
	go func() { done <- proc.Process(context.Background(), testEvent("T1")) }()
	<-entered

	// Second delivery of the same transaction while verification is in flight.
	if err := proc.Process(context.Background(), testEvent("T1")); err != nil {
		t.Fatalf("duplicate Process: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Process: %v", err)
	}

	if v, _ := backend.calls(); v != 1 {
		t.Fatalf("expected exactly 1 verification call, got %d", v)
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 success callback, got %d", successes)
	}
}

func TestProcessLastProcessedGuard(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})
	successes := 0
	proc.OnSuccess = func(models.PurchaseEvent, bool) { successes++ }

	ev := testEvent("T1")
	if err := proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Immediate redelivery of the identical event.
	if err := proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("redelivered Process: %v", err)
	}
	if v, _ := backend.calls(); v != 1 {
		t.Fatalf("expected 1 verification call after redelivery, got %d", v)
	}
	if successes != 1 {
		t.Fatalf("expected 1 success callback after redelivery, got %d", successes)
	}
}

func TestVerifyTimeoutReleasesTransaction(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	backend.verifyFn = func(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
		<-ctx.Done()
		return models.VerificationResult{}, ctx.Err()
	}
	cfg := testConfig()
	cfg.VerifyTimeout = 20 * time.Millisecond
	proc := NewProcessor(store, backend, cfg, testLogger{})

	err := proc.Process(context.Background(), testEvent("T1"))
	var perr *Error
	if !errors.As(err, &perr) || perr.Category != CategoryTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if store.finalizedCount() != 0 {
		t.Fatalf("timed-out transaction must not be finalized")
	}
	proc.mu.Lock()
	inFlight := len(proc.inFlight)
	proc.mu.Unlock()
	if inFlight != 0 {
		t.Fatalf("expected in-flight set released after timeout, got %d entries", inFlight)
	}

	// A fresh attempt must be possible.
	backend.verifyFn = nil
	if err := proc.Process(context.Background(), testEvent("T1")); err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
}

func TestVerifyTransientRetryBound(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	backend.verifyFn = func(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
		return models.VerificationResult{}, transientErr()
	}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})

	err := proc.Process(context.Background(), testEvent("T1"))
	var perr *Error
	if !errors.As(err, &perr) || perr.Category != CategoryNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if v, _ := backend.calls(); v != 3 {
		t.Fatalf("expected exactly 3 verification attempts, got %d", v)
	}
}

func TestVerifyNonTransientNoRetry(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	backend.verifyFn = func(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
		return models.VerificationResult{}, errors.New("backend exploded")
	}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})

	if err := proc.Process(context.Background(), testEvent("T1")); err == nil {
		t.Fatal("expected error")
	}
	if v, _ := backend.calls(); v != 1 {
		t.Fatalf("expected single attempt for non-transient failure, got %d", v)
	}
}

func TestVerificationRejectedNotFinalized(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	backend.verifyFn = func(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
		return models.VerificationResult{Valid: false}, nil
	}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})
	proc.OnSuccess = func(models.PurchaseEvent, bool) { t.Fatal("success callback on rejected transaction") }

	err := proc.Process(context.Background(), testEvent("T1"))
	var perr *Error
	if !errors.As(err, &perr) || perr.Category != CategoryVerificationFailed {
		t.Fatalf("expected verification_failed, got %v", err)
	}
	if store.finalizedCount() != 0 {
		t.Fatalf("rejected transaction must never be finalized")
	}
	proc.mu.Lock()
	last := proc.lastProcessed
	proc.mu.Unlock()
	if last != "" {
		t.Fatalf("failed transaction must not set lastProcessed, got %q", last)
	}
}

func TestFinalizeFailureDoesNotRevert(t *testing.T) {
	store := &stubStore{finalizeErr: errors.New("acknowledge failed")}
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})
	successes := 0
	var reported bool
	proc.OnSuccess = func(_ models.PurchaseEvent, finalized bool) {
		successes++
		reported = finalized
	}

	if err := proc.Process(context.Background(), testEvent("T1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if successes != 1 {
		t.Fatalf("verified purchase must succeed despite finalize failure, callbacks=%d", successes)
	}
	if reported {
		t.Fatal("callback must report the failed acknowledgement so the journal can re-drive it")
	}
}

func TestRedriveReportsFinalizeOutcome(t *testing.T) {
	store := &stubStore{finalizeErr: errors.New("acknowledge failed")}
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})

	finalized, err := proc.Redrive(context.Background(), testEvent("T1"))
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if finalized {
		t.Fatal("Redrive must report the failed acknowledgement")
	}

	store.mu.Lock()
	store.finalizeErr = nil
	store.mu.Unlock()

	finalized, err = proc.Redrive(context.Background(), testEvent("T1"))
	if err != nil {
		t.Fatalf("Redrive retry: %v", err)
	}
	if !finalized {
		t.Fatal("Redrive must report success once the store acknowledges")
	}
}

func TestCleanupModeSuppressesCallback(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})
	proc.OnSuccess = func(models.PurchaseEvent, bool) { t.Fatal("success callback during cleanup drain") }

	if err := proc.ProcessCleanup(context.Background(), testEvent("T9")); err != nil {
		t.Fatalf("ProcessCleanup: %v", err)
	}
	if store.finalizedCount() != 1 {
		t.Fatalf("cleanup must still finalize, got %d", store.finalizedCount())
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.lastProcessed != "T9" {
		t.Fatalf("cleanup must record lastProcessed, got %q", proc.lastProcessed)
	}
}

func TestUserCancellationSwallowed(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})
	proc.OnFailure = func(err *Error) { t.Fatalf("cancellation surfaced as error: %v", err) }

	proc.PurchaseFailed(StoreFailure{Code: "E_USER_CANCELLED", TransactionID: "T1"})

	if v, _ := backend.calls(); v != 0 {
		t.Fatalf("cancellation must not trigger verification, got %d calls", v)
	}
}

func TestStoreErrorClassified(t *testing.T) {
	store := &stubStore{}
	backend := &stubBackend{}
	proc := NewProcessor(store, backend, testConfig(), testLogger{})

	var got *Error
	proc.OnFailure = func(err *Error) { got = err }
	proc.PurchaseFailed(StoreFailure{Code: "E_ITEM_UNAVAILABLE", Message: "sku missing"})

	if got == nil || got.Category != CategoryProductUnavailable {
		t.Fatalf("expected product_unavailable failure, got %+v", got)
	}
}
