package connpool

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrPoolFull is returned by Add when the pool is already at capacity.
var ErrPoolFull = errors.New("connpool: pool is at capacity")

// deadlineEntry is one element of the pool's timeout min-heap, ordered by
// the absolute instant the connection becomes eligible for an idle-close.
type deadlineEntry struct {
	conn     *Connection
	deadline time.Time
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].conn.heapIndex = i
	h[j].conn.heapIndex = j
}
func (h *deadlineHeap) Push(x interface{}) {
	e := x.(*deadlineEntry)
	e.conn.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.conn.heapIndex = -1
	*h = old[:n-1]
	return e
}

// Pool is a bounded set of live connections indexed by id and by remote
// address, with a deadline min-heap for O(log n) idle-timeout sweeps.
// Removal uses a collect-then-remove pass so that a callback invoked
// mid-sweep can safely call Remove on the very connection being visited
// without corrupting the heap the sweep is iterating.
type Pool struct {
	mu          sync.Mutex
	capacity    int
	byID        map[string]*Connection
	byRemote    map[string][]*Connection
	deadlines   deadlineHeap
	entryByConn map[*Connection]*deadlineEntry
	sweeping    bool
	pendingDel  []*Connection
}

// New constructs a Pool bounded to capacity connections. capacity <= 0
// means unbounded.
func New(capacity int) *Pool {
	return &Pool{
		capacity:    capacity,
		byID:        make(map[string]*Connection),
		byRemote:    make(map[string][]*Connection),
		entryByConn: make(map[*Connection]*deadlineEntry),
	}
}

// Add registers conn under the given idle deadline. It fails with
// ErrPoolFull if the pool is already at its configured capacity.
func (p *Pool) Add(conn *Connection, deadline time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity > 0 && len(p.byID) >= p.capacity {
		return ErrPoolFull
	}

	p.byID[conn.ID] = conn
	p.byRemote[conn.RemoteIP] = append(p.byRemote[conn.RemoteIP], conn)

	entry := &deadlineEntry{conn: conn, deadline: deadline}
	heap.Push(&p.deadlines, entry)
	p.entryByConn[conn] = entry

	return nil
}

// RefreshDeadline updates conn's place in the timeout heap, called
// whenever traffic is observed on the connection.
func (p *Pool) RefreshDeadline(conn *Connection, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entryByConn[conn]
	if !ok {
		return
	}
	entry.deadline = deadline
	heap.Fix(&p.deadlines, conn.heapIndex)
}

// Remove drops conn from every index. Safe to call reentrantly from
// within Sweep's callback: if a sweep is in progress the removal is
// deferred and applied once the sweep completes.
func (p *Pool) Remove(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(conn)
}

func (p *Pool) removeLocked(conn *Connection) {
	if p.sweeping {
		p.pendingDel = append(p.pendingDel, conn)
		return
	}
	p.detachLocked(conn)
}

func (p *Pool) detachLocked(conn *Connection) {
	delete(p.byID, conn.ID)

	remotes := p.byRemote[conn.RemoteIP]
	for i, c := range remotes {
		if c == conn {
			remotes = append(remotes[:i], remotes[i+1:]...)
			break
		}
	}
	if len(remotes) == 0 {
		delete(p.byRemote, conn.RemoteIP)
	} else {
		p.byRemote[conn.RemoteIP] = remotes
	}

	if entry, ok := p.entryByConn[conn]; ok {
		if conn.heapIndex >= 0 {
			heap.Remove(&p.deadlines, conn.heapIndex)
		}
		delete(p.entryByConn, conn)
		_ = entry
	}
}

// ByID looks up a tracked connection by its descriptor-channel id.
func (p *Pool) ByID(id string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	return c, ok
}

// ByRemote returns every tracked connection from the given remote
// address. The pool itself enforces no per-IP limit.
func (p *Pool) ByRemote(remoteIP string) []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.byRemote[remoteIP]))
	copy(out, p.byRemote[remoteIP])
	return out
}

// Len returns the number of tracked connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Sweep visits every connection whose deadline is at or before now, in
// deadline order, calling onExpired for each. onExpired may call Remove
// on the connection it was handed (including the one being visited)
// without disturbing the sweep: the collect-then-remove guard defers
// those removals until the sweep finishes, then applies them in one
// pass to avoid invalidating the heap mid-iteration.
func (p *Pool) Sweep(now time.Time, onExpired func(*Connection)) {
	p.mu.Lock()
	p.sweeping = true

	var expired []*Connection
	for p.deadlines.Len() > 0 && !p.deadlines[0].deadline.After(now) {
		entry := heap.Pop(&p.deadlines).(*deadlineEntry)
		delete(p.entryByConn, entry.conn)
		expired = append(expired, entry.conn)
	}
	p.mu.Unlock()

	for _, conn := range expired {
		onExpired(conn)
	}

	p.mu.Lock()
	p.sweeping = false
	pending := p.pendingDel
	p.pendingDel = nil
	p.mu.Unlock()

	for _, conn := range pending {
		p.Remove(conn)
	}
}
