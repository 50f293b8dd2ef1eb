package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node dev
// setups. Expiry is evaluated lazily against the store clock.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	queues map[string]map[string]float64
	lists  map[string][]string
	now    func() time.Time
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryValue),
		queues: make(map[string]map[string]float64),
		lists:  make(map[string][]string),
		now:    time.Now,
	}
}

// SetClock replaces the store clock. Tests use it to exercise TTL behavior
// without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt)
}

func (s *MemoryStore) liveValue(key string) (memoryValue, bool) {
	v, ok := s.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if s.expired(v) {
		delete(s.values, key)
		return memoryValue{}, false
	}
	return v, true
}

func (s *MemoryStore) expiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) QueuePush(_ context.Context, key, member string, score float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[key]
	if q == nil {
		q = make(map[string]float64)
		s.queues[key] = q
	}
	if _, exists := q[member]; exists {
		return false, nil
	}
	q[member] = score
	return true, nil
}

// orderedMembers returns queue members sorted by (score, member).
func (s *MemoryStore) orderedMembers(key string) []string {
	q := s.queues[key]
	members := make([]string, 0, len(q))
	for m := range q {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := q[members[i]], q[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}

func (s *MemoryStore) QueuePeek(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.orderedMembers(key)
	if len(members) == 0 {
		return "", ErrNotFound
	}
	return members[0], nil
}

func (s *MemoryStore) QueuePeekBatch(_ context.Context, key string, n int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.orderedMembers(key)
	if int64(len(members)) > n {
		members = members[:n]
	}
	return members, nil
}

func (s *MemoryStore) QueueRemove(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[key]
	var removed int64
	for _, m := range members {
		if _, ok := q[m]; ok {
			delete(q, m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) QueueLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[key])), nil
}

func (s *MemoryStore) ListPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], values...)
	return nil
}

func (s *MemoryStore) ListPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if len(l) == 0 {
		return "", ErrNotFound
	}
	head := l[0]
	s.lists[key] = l[1:]
	return head, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.data, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{data: value, expiresAt: s.expiresAt(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveValue(key); ok {
		return false, nil
	}
	s.values[key] = memoryValue{data: value, expiresAt: s.expiresAt(ttl)}
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.queues, k)
		delete(s.lists, k)
	}
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if v, ok := s.liveValue(key); ok {
		parsed, err := strconv.ParseInt(v.data, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	exp := time.Time{}
	if v, ok := s.values[key]; ok {
		exp = v.expiresAt
	}
	s.values[key] = memoryValue{data: strconv.FormatInt(n, 10), expiresAt: exp}
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return nil
	}
	v.expiresAt = s.expiresAt(ttl)
	s.values[key] = v
	return nil
}

func (s *MemoryStore) Lock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.liveValue(key); ok {
		if v.data != holder {
			return false, nil
		}
	}
	s.values[key] = memoryValue{data: holder, expiresAt: s.expiresAt(ttl)}
	return true, nil
}

func (s *MemoryStore) Renew(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok || v.data != holder {
		return false, nil
	}
	v.expiresAt = s.expiresAt(ttl)
	s.values[key] = v
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if ok && v.data == holder {
		delete(s.values, key)
	}
	return nil
}
