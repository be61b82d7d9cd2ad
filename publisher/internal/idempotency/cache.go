// Package idempotency suppresses re-publication of the same logical event
// within a time window. State is per process: instances do not share it.
package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	DefaultTTL = 300 * time.Second
	shardCount = 32
)

type Record struct {
	Key         string
	FirstSeenAt time.Time
	TTL         time.Duration
}

func (r Record) expired(now time.Time) bool {
	return now.Sub(r.FirstSeenAt) > r.TTL
}

type shard struct {
	mu       sync.Mutex
	records  map[string]Record
	inflight map[string]chan struct{}
}

type Cache struct {
	defaultTTL time.Duration
	now        func() time.Time
	shards     [shardCount]*shard
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(defaultTTL time.Duration, opts ...Option) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &Cache{defaultTTL: defaultTTL, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{
			records:  make(map[string]Record),
			inflight: make(map[string]chan struct{}),
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) DefaultTTL() time.Duration { return c.defaultTTL }

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

func (c *Cache) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// Reservation holds a key while one publish for it is in flight.
type Reservation struct {
	cache *Cache
	key   string
	ttl   time.Duration
	once  sync.Once
}

func (r *Reservation) Key() string { return r.key }

// Commit records the key as delivered and wakes waiters.
func (r *Reservation) Commit() {
	r.once.Do(func() { r.cache.settle(r.key, r.ttl, true) })
}

// Release drops the reservation without recording; waiters re-check and may publish.
func (r *Reservation) Release() {
	r.once.Do(func() { r.cache.settle(r.key, r.ttl, false) })
}

// CheckAndReserve reports a duplicate when a live record exists for key.
// Otherwise it reserves the key for the caller. A caller racing an in-flight
// publish of the same key blocks until that publish settles, then re-checks.
func (c *Cache) CheckAndReserve(ctx context.Context, key string, ttl time.Duration) (*Reservation, bool, error) {
	ttl = c.ttlOrDefault(ttl)
	s := c.shardFor(key)
	for {
		s.mu.Lock()
		if rec, ok := s.records[key]; ok {
			if !rec.expired(c.now()) {
				s.mu.Unlock()
				return nil, true, nil
			}
			delete(s.records, key)
		}
		wait, busy := s.inflight[key]
		if !busy {
			s.inflight[key] = make(chan struct{})
			s.mu.Unlock()
			return &Reservation{cache: c, key: key, ttl: ttl}, false, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wait:
		}
	}
}


// Record marks key as delivered. FirstSeenAt is kept when a live record already exists.
func (c *Cache) Record(key string, ttl time.Duration) {
	c.settle(key, c.ttlOrDefault(ttl), true)
}

func (c *Cache) settle(key string, ttl time.Duration, record bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if record {
		now := c.now()
		if rec, ok := s.records[key]; !ok || rec.expired(now) {
			s.records[key] = Record{Key: key, FirstSeenAt: now, TTL: ttl}
		}
	}
	if ch, ok := s.inflight[key]; ok {
		delete(s.inflight, key)
		close(ch)
	}
}

// Sweep removes expired records and returns how many remain.
func (c *Cache) Sweep() int {
	now := c.now()
	remaining := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, rec := range s.records {
			if rec.expired(now) {
				delete(s.records, key)
			}
		}
		remaining += len(s.records)
		s.mu.Unlock()
	}
	return remaining
}

func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
