package session

import (
	"fmt"
	"sync"
)

// pendingTable is a mutex-protected mapping from outstanding USB/IP
// sequence number to raw endpoint byte (endpoint number OR 0x80 if IN).
// The mutex is held only for the map operation itself; no I/O ever runs
// under it.
type pendingTable struct {
	mu sync.Mutex
	m  map[uint32]uint8
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[uint32]uint8)}
}

// insert fails if seqnum is already present — a duplicate seqnum is a
// protocol violation.
func (p *pendingTable) insert(seqnum uint32, endpoint uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.m[seqnum]; exists {
		return fmt.Errorf("duplicate seqnum %d", seqnum)
	}
	p.m[seqnum] = endpoint
	return nil
}

// remove reports whether seqnum was present, and if so its endpoint. The
// first caller to remove a given seqnum — the SEND_URB completion or the
// Unlink Engine — wins the race and owns the reply; the loser sees ok=false.
func (p *pendingTable) remove(seqnum uint32) (endpoint uint8, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	endpoint, ok = p.m[seqnum]
	if ok {
		delete(p.m, seqnum)
	}
	return endpoint, ok
}

func (p *pendingTable) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
