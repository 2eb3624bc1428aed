package seq

import (
	"context"
	"sync"
)

// Mem 是内存发号器，测试与本地联调用；语义与 Allocator 对齐。
type Mem struct {
	mu   sync.Mutex
	next map[[2]int64]int64
}

func NewMem() *Mem {
	return &Mem{next: make(map[[2]int64]int64)}
}

func (m *Mem) Next(_ context.Context, sessionID int64, partitionID int32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{sessionID, int64(partitionID)}
	m.next[k]++
	return m.next[k], nil
}
