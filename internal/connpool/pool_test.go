package connpool

import (
	"testing"
	"time"
)

func newTestConn(id, remoteIP string) *Connection {
	return NewConnection(id, remoteIP, 5000, nil)
}

func TestPool_AddAndByID(t *testing.T) {
	p := New(0)
	c := newTestConn("conn-1", "10.0.0.1")
	if err := p.Add(c, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := p.ByID("conn-1")
	if !ok || got != c {
		t.Fatalf("expected to find conn-1")
	}
	if p.Len() != 1 {
		t.Errorf("expected Len 1, got %d", p.Len())
	}
}

func TestPool_RespectsCapacity(t *testing.T) {
	p := New(1)
	if err := p.Add(newTestConn("a", "10.0.0.1"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Add(newTestConn("b", "10.0.0.2"), time.Now().Add(time.Minute)); err != ErrPoolFull {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestPool_ByRemoteTracksMultipleConnections(t *testing.T) {
	p := New(0)
	p.Add(newTestConn("a", "10.0.0.1"), time.Now().Add(time.Minute))
	p.Add(newTestConn("b", "10.0.0.1"), time.Now().Add(time.Minute))
	p.Add(newTestConn("c", "10.0.0.2"), time.Now().Add(time.Minute))

	conns := p.ByRemote("10.0.0.1")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for 10.0.0.1, got %d", len(conns))
	}
}

func TestPool_Remove(t *testing.T) {
	p := New(0)
	c := newTestConn("a", "10.0.0.1")
	p.Add(c, time.Now().Add(time.Minute))
	p.Remove(c)

	if _, ok := p.ByID("a"); ok {
		t.Fatal("expected conn a to be removed")
	}
	if p.Len() != 0 {
		t.Errorf("expected Len 0, got %d", p.Len())
	}
}

func TestPool_SweepExpiresInDeadlineOrder(t *testing.T) {
	p := New(0)
	base := time.Now()

	c1 := newTestConn("first", "10.0.0.1")
	c2 := newTestConn("second", "10.0.0.2")
	c3 := newTestConn("future", "10.0.0.3")

	p.Add(c1, base.Add(-2*time.Second))
	p.Add(c2, base.Add(-1*time.Second))
	p.Add(c3, base.Add(time.Hour))

	var order []string
	p.Sweep(base, func(c *Connection) {
		order = append(order, c.ID)
		p.Remove(c)
	})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected [first second] in deadline order, got %v", order)
	}
	if p.Len() != 1 {
		t.Errorf("expected 1 connection remaining, got %d", p.Len())
	}
	if _, ok := p.ByID("future"); !ok {
		t.Error("expected the not-yet-expired connection to remain")
	}
}

func TestPool_SweepCallbackCanRemoveItselfReentrantly(t *testing.T) {
	p := New(0)
	base := time.Now()
	c := newTestConn("self", "10.0.0.1")
	p.Add(c, base.Add(-time.Second))

	called := false
	p.Sweep(base, func(c *Connection) {
		called = true
		// Reentrant removal of the very connection being visited.
		p.Remove(c)
		p.Remove(c) // idempotent: second call must not panic
	})

	if !called {
		t.Fatal("expected callback to run")
	}
	if p.Len() != 0 {
		t.Errorf("expected pool empty after sweep, got %d", p.Len())
	}
}

func TestPool_RefreshDeadlinePostponesSweep(t *testing.T) {
	p := New(0)
	base := time.Now()
	c := newTestConn("a", "10.0.0.1")
	p.Add(c, base.Add(-time.Second))
	p.RefreshDeadline(c, base.Add(time.Hour))

	var swept []string
	p.Sweep(base, func(c *Connection) { swept = append(swept, c.ID) })

	if len(swept) != 0 {
		t.Errorf("expected no expirations after refresh, got %v", swept)
	}
}
