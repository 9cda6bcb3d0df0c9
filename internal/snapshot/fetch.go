package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"prwpanel/internal/blob"
	"prwpanel/internal/logging"
)

// fetchAttempts is the first try plus one retry.
const fetchAttempts = 2

// Fetcher downloads the snapshot object.
type Fetcher struct {
	store   blob.Store
	key     string
	timeout time.Duration
	log     logging.Logger
	backoff time.Duration
}

// NewFetcher returns a Fetcher reading key from store. Each attempt is
// bounded by timeout.
func NewFetcher(store blob.Store, key string, timeout time.Duration, log logging.Logger) *Fetcher {
	return &Fetcher{store: store, key: key, timeout: timeout, log: logging.OrNoop(log), backoff: 250 * time.Millisecond}
}

// Key is the object key being fetched.
func (f *Fetcher) Key() string { return f.key }

// Fetch returns the whole object. A missing object or a cancelled context is
// not retried. Errors wrap ErrFetch and, for a missing object, blob.ErrNotFound.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, blob.Info, error) {
	for attempt := 1; ; attempt++ {
		data, info, err := f.fetchOnce(ctx)
		if err == nil {
			f.log.Debug("snapshot fetched", "key", f.key, "bytes", len(data), "attempt", attempt)
			return data, info, nil
		}
		if errors.Is(err, blob.ErrNotFound) || ctx.Err() != nil || attempt == fetchAttempts {
			return nil, blob.Info{}, fmt.Errorf("%w: %s: %w", ErrFetch, f.key, err)
		}
		f.log.Warn("snapshot fetch failed, retrying", "key", f.key, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, blob.Info{}, fmt.Errorf("%w: %s: %w", ErrFetch, f.key, ctx.Err())
		case <-time.After(f.backoff):
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context) ([]byte, blob.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	info, rc, err := f.store.Get(ctx, f.key)
	if err != nil {
		return nil, blob.Info{}, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, blob.Info{}, fmt.Errorf("read body: %w", err)
	}
	return data, info, nil
}
