package session

import (
	"sync"
	"testing"
)

func TestPendingTableInsertRemove(t *testing.T) {
	p := newPendingTable()
	if err := p.insert(1, 0x81); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ep, ok := p.remove(1)
	if !ok || ep != 0x81 {
		t.Fatalf("remove(1) = %v, %v, want 0x81, true", ep, ok)
	}
	if _, ok := p.remove(1); ok {
		t.Fatalf("remove(1) second time should fail")
	}
}

func TestPendingTableDuplicateSeqnumRejected(t *testing.T) {
	p := newPendingTable()
	if err := p.insert(5, 0x01); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := p.insert(5, 0x02); err == nil {
		t.Fatalf("expected error on duplicate seqnum insert")
	}
}

func TestPendingTableRemoveUnknownSeqnum(t *testing.T) {
	p := newPendingTable()
	if _, ok := p.remove(999); ok {
		t.Fatalf("remove of unknown seqnum should report ok=false")
	}
}

func TestPendingTableConcurrentRemoveRace(t *testing.T) {
	p := newPendingTable()
	if err := p.insert(1, 0x81); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := p.remove(1)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner of the remove race, got %d", winners)
	}
}

func TestPendingTableCount(t *testing.T) {
	p := newPendingTable()
	if p.count() != 0 {
		t.Fatalf("new table should be empty")
	}
	_ = p.insert(1, 0)
	_ = p.insert(2, 0)
	if p.count() != 2 {
		t.Fatalf("count() = %d, want 2", p.count())
	}
	p.remove(1)
	if p.count() != 1 {
		t.Fatalf("count() = %d, want 1", p.count())
	}
}
