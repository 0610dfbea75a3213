package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is a process-local store backed by otter. Records do not survive a
// restart.
type Memory struct {
	mu      sync.RWMutex
	cache   *otter.Cache[string, entry]
	counter *stats.Counter
	now     func() time.Time
}

// NewMemory creates an in-memory store. Entries are evicted by the cache after
// maxTTL regardless of their own TTL, so maxTTL should cover the longest lived
// credential.
func NewMemory(maxTTL time.Duration) *Memory {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, entry]{
		MaximumSize:      64,
		StatsRecorder:    counter,
		ExpiryCalculator: otter.ExpiryCreating[string, entry](maxTTL),
	})

	return &Memory{
		cache:   cache,
		counter: counter,
		now:     time.Now,
	}
}

// Set stores the records under a single lock so that concurrent readers never
// observe a partial batch.
func (m *Memory) Set(ctx context.Context, records ...Record) error {
	if err := validate(records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, r := range records {
		// invalidate first: the expiry is calculated on creation only
		m.cache.Invalidate(r.Name)
		m.cache.Set(r.Name, newEntry(r, now))
	}

	return nil
}

// Get retrieves a record from the cache.
func (m *Memory) Get(ctx context.Context, name string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.cache.GetIfPresent(name)
	if !ok {
		return Record{}, false, nil
	}

	now := m.now()
	if e.expired(now) {
		return Record{}, false, nil
	}

	return e.record(name, now), true, nil
}

// Delete removes records from the cache.
func (m *Memory) Delete(ctx context.Context, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		m.cache.Invalidate(name)
	}

	return nil
}

func (m *Memory) Close() error {
	return nil
}

// validate rejects batches that could not be applied as a unit.
func validate(records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.Name == "" {
			return fmt.Errorf("credential name must not be empty")
		}
		if r.TTL <= 0 {
			return fmt.Errorf("credential %s: TTL must be positive, got %s", r.Name, r.TTL)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("credential %s: written twice in one batch", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}
