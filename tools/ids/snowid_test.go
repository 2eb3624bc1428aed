package ids

import (
	"sync"
	"testing"
)

func TestGenerateUniqueUnderConcurrency(t *testing.T) {
	const goroutines = 8
	const perG = 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, goroutines*perG)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perG)
			for i := 0; i < perG; i++ {
				local = append(local, Generate())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %d", id)
					return
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
}

func TestGenerateTimeSortable(t *testing.T) {
	a := Generate()
	b := Generate()
	if b <= a {
		t.Fatalf("ids must be increasing on one node: %d then %d", a, b)
	}
}

func TestSetNodeIDOutOfRangeFallsBack(t *testing.T) {
	SetNodeID(5000)
	if defaultGen.nodeID != 1 {
		t.Fatalf("out-of-range node id must fall back to 1, got %d", defaultGen.nodeID)
	}
	SetNodeID(100)
	if defaultGen.nodeID != 100 {
		t.Fatalf("node id not applied: %d", defaultGen.nodeID)
	}
}
