package purchase

import (
	"context"
	"sync"
)

// Connection owns the lifecycle of the link to the platform store: connect
// with a timeout, listener registration, and the post-connect platform
// housekeeping. Connect is idempotent and single-flight: concurrent callers
// share one in-flight attempt instead of issuing duplicate store connects.
type Connection struct {
	store     Store
	processor *Processor
	cfg       Config
	logger    Logger

	mu       sync.Mutex
	ready    bool
	inflight chan struct{}
	lastErr  error
}

// NewConnection constructs a Connection instance.
func NewConnection(store Store, processor *Processor, cfg Config, logger Logger) *Connection {
	return &Connection{store: store, processor: processor, cfg: cfg, logger: logger}
}

// Ready reports whether the store connection is established.
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Connect establishes the store connection. Already connected: returns
// immediately. Connect in progress: waits for that attempt and returns its
// result. The guard is cleared on both success and failure so a later call
// always starts clean.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	if c.inflight != nil {
		wait := c.inflight
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return &Error{Category: CategoryTimeout, Message: "store connect wait cancelled", Err: ctx.Err()}
		}
		c.mu.Lock()
		err := c.lastErr
		c.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.lastErr = err
	c.ready = err == nil
	c.inflight = nil
	close(done)
	c.mu.Unlock()
	return err
}

func (c *Connection) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.store.Subscribe(c.processor)

	errCh := make(chan error, 1)
	go func() { errCh <- c.store.Connect(cctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			c.store.Unsubscribe()
			return &Error{Category: CategoryStoreUnavailable, Message: "store connect failed", Err: err}
		}
	case <-cctx.Done():
		c.store.Unsubscribe()
		return &Error{Category: CategoryTimeout, Message: "store connect timed out", Err: cctx.Err()}
	}

	// Play keeps failed-but-pending purchases cached and redelivers them;
	// clearing the cache must never abort the connection.
	if err := c.store.FlushFailedCache(cctx); err != nil {
		c.logger.Errorf("purchase: flush failed-purchase cache: %v", err)
	}

	// StoreKit redelivers transactions left unfinished by a previous session.
	// Finalize them without firing the success callback.
	pending, err := c.store.PendingFinalize(cctx)
	if err != nil {
		c.logger.Errorf("purchase: list pending purchases: %v", err)
	}
	for _, ev := range pending {
		if err := c.processor.ProcessCleanup(ctx, ev); err != nil {
			c.logger.Errorf("purchase: cleanup tx=%s: %v", ev.TransactionID, err)
		}
	}

	c.logger.Infof("purchase: store connected platform=%s", c.store.Platform())
	return nil
}

// Disconnect removes the registered listeners and closes the connection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()

	c.store.Unsubscribe()
	if err := c.store.Disconnect(); err != nil {
		c.logger.Errorf("purchase: store disconnect: %v", err)
	}
}
