package ratelimit

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const shardCount = 32

type entry struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Memory реализует фиксированное окно в памяти процесса.
// Ключи распределены по шардам, поэтому разные ключи не конкурируют за одну блокировку.
type Memory struct {
	shards [shardCount]*shard
	seed   maphash.Seed
	now    func() time.Time

	sweepInterval time.Duration
	stopOnce      sync.Once
	stop          chan struct{}
	done          chan struct{}
}

// MemoryOption настраивает Memory.
type MemoryOption func(*Memory)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithSweepInterval задаёт период очистки истёкших записей.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.sweepInterval = d }
}

// NewMemory создаёт лимитер. Очистка запускается явно через Start.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		seed:          maphash.MakeSeed(),
		now:           time.Now,
		sweepInterval: time.Minute,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	return m.shards[maphash.String(m.seed, key)%shardCount]
}

// Check реализует Limiter.
func (m *Memory) Check(_ context.Context, key string, q Quota) Result {
	now := m.now()
	s := m.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(q.Window)}
		s.entries[key] = e
		return Result{Allowed: true, Remaining: max(q.Max-1, 0), ResetAt: e.resetAt}
	}

	if e.count >= q.Max {
		return Result{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
	}

	e.count++
	return Result{Allowed: true, Remaining: q.Max - e.count, ResetAt: e.resetAt}
}

// Sweep удаляет записи, окно которых истекло, и возвращает их число.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.resetAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len возвращает число отслеживаемых ключей.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Start запускает периодическую очистку до отмены ctx или вызова Stop.
func (m *Memory) Start(ctx context.Context) {
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop останавливает очистку и ждёт завершения. Вызывать только после Start.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
