package testutil

import (
	"context"
	"sync"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
)

// StoredResult 内存中的结果记录
type StoredResult struct {
	Key     string
	ItemKey string
	Result  interface{}
	Attempt int
}

// MemoryStore 内存 Store，按幂等键去重
type MemoryStore struct {
	mu             sync.Mutex
	results        map[string]StoredResult
	deadLetters    map[string]*framework.DeadLetter
	resultCalls    int
	deadCalls      int
	failResult     int
	failDeadLetter int
	journal        *Journal
}

// NewMemoryStore 创建内存 Store
func NewMemoryStore(journal *Journal) *MemoryStore {
	return &MemoryStore{
		results:     make(map[string]StoredResult),
		deadLetters: make(map[string]*framework.DeadLetter),
		journal:     journal,
	}
}

// FailNextResults 让后续 n 次 PersistResult 失败
func (s *MemoryStore) FailNextResults(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failResult = n
}

// FailNextDeadLetters 让后续 n 次 PersistDeadLetter 失败
func (s *MemoryStore) FailNextDeadLetters(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeadLetter = n
}

// PersistResult 实现 framework.Store
func (s *MemoryStore) PersistResult(_ context.Context, item *framework.WorkItem, outcome framework.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resultCalls++
	if s.failResult > 0 {
		s.failResult--
		return errorutil.Store("memory store unavailable", nil)
	}

	key := item.IdempotencyKey()
	if _, ok := s.results[key]; !ok {
		s.results[key] = StoredResult{Key: key, ItemKey: item.Key, Result: outcome.Result, Attempt: item.Attempt}
	}
	s.journal.Append("persist:" + item.Raw.ID)
	return nil
}

// PersistDeadLetter 实现 framework.Store
func (s *MemoryStore) PersistDeadLetter(_ context.Context, dl *framework.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadCalls++
	if s.failDeadLetter > 0 {
		s.failDeadLetter--
		return errorutil.Store("memory store unavailable", nil)
	}

	key := dl.Item.IdempotencyKey()
	if _, ok := s.deadLetters[key]; !ok {
		s.deadLetters[key] = dl
	}
	s.journal.Append("deadletter:" + dl.Item.Raw.ID)
	return nil
}

// Results 已存储的结果（按业务键）
func (s *MemoryStore) Results() map[string]StoredResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]StoredResult, len(s.results))
	for _, r := range s.results {
		out[r.ItemKey] = r
	}
	return out
}

// DeadLetters 已存储的死信（按业务键）
func (s *MemoryStore) DeadLetters() map[string]*framework.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*framework.DeadLetter, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		out[dl.Item.Key] = dl
	}
	return out
}

// ResultCalls PersistResult 调用次数
func (s *MemoryStore) ResultCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultCalls
}

// DeadLetterCalls PersistDeadLetter 调用次数
func (s *MemoryStore) DeadLetterCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadCalls
}
