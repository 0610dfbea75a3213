package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
	"github.com/rs/zerolog/log"
)

// Memory keeps content in process. Entries expire a fixed time after they
// were first written; once maxEntries is reached the least useful ones are
// evicted.
type Memory[T any] struct {
	entries  *otter.Cache[string, T]
	recorder *stats.Counter
}

func NewMemory[T any](lifetime time.Duration, maxEntries int) (*Memory[T], error) {
	recorder := stats.NewCounter()

	entries, err := otter.New(&otter.Options[string, T]{
		MaximumSize:      maxEntries,
		StatsRecorder:    recorder,
		ExpiryCalculator: otter.ExpiryCreating[string, T](lifetime),
	})
	if err != nil {
		return nil, err
	}

	return &Memory[T]{entries: entries, recorder: recorder}, nil
}

func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	value, ok := m.entries.GetIfPresent(key)
	return value, ok, nil
}

// Set stores value under key. Overwriting keeps the first write's expiry;
// callers wanting a fresh lifetime invalidate first.
func (m *Memory[T]) Set(_ context.Context, key string, value T) error {
	m.entries.Set(key, value)
	return nil
}

func (m *Memory[T]) Invalidate(_ context.Context, key string) error {
	m.entries.Invalidate(key)
	return nil
}

// Stats reports lookups served since the cache was created.
func (m *Memory[T]) Stats() stats.Stats {
	return m.recorder.Snapshot()
}

// Close drops every entry and logs how well the cache served.
func (m *Memory[T]) Close() error {
	s := m.Stats()
	log.Debug().
		Uint64("hits", s.Hits).
		Uint64("misses", s.Misses).
		Uint64("evictions", s.Evictions).
		Int("entries", m.entries.EstimatedSize()).
		Msg("memory cache closed")

	m.entries.InvalidateAll()
	return nil
}
