package testutil

import "sync"

// Journal 记录跨组件的调用顺序（如 persist 与 ack 的先后）
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Append 追加一条记录
func (j *Journal) Append(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Entries 返回记录副本
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// Index 返回第一条等于 entry 的位置，不存在返回 -1
func (j *Journal) Index(entry string) int {
	for i, e := range j.Entries() {
		if e == entry {
			return i
		}
	}
	return -1
}
