package registry

import (
	"fmt"
	"sync"
	"testing"
)

type fakeConn struct{ name string }

func (f *fakeConn) Send(event string, payload any) error { return nil }

func TestAnnounceLookup(t *testing.T) {
	r := New()
	h := &fakeConn{"h1"}
	r.Announce("d1", h)

	got, ok := r.Lookup("d1")
	if !ok || got != h {
		t.Fatalf("lookup d1 = %v, %v; want h1, true", got, ok)
	}
	if _, ok := r.Lookup("unknown"); ok {
		t.Fatal("lookup of unknown identity should be absent")
	}
}

func TestLastAnnouncementWins(t *testing.T) {
	r := New()
	h1 := &fakeConn{"h1"}
	h2 := &fakeConn{"h2"}
	r.Announce("p1", h1)
	r.Announce("p1", h2)

	if got, _ := r.Lookup("p1"); got != h2 {
		t.Fatalf("lookup after reconnect = %v; want h2", got)
	}
}

func TestStaleRemoveKeepsFresherMapping(t *testing.T) {
	r := New()
	h1 := &fakeConn{"h1"}
	h2 := &fakeConn{"h2"}
	r.Announce("d1", h1)
	r.Announce("d1", h2)

	// late disconnect of the superseded handle must not evict h2
	r.Remove(h1)
	if got, ok := r.Lookup("d1"); !ok || got != h2 {
		t.Fatalf("lookup after stale remove = %v, %v; want h2, true", got, ok)
	}

	r.Remove(h2)
	if _, ok := r.Lookup("d1"); ok {
		t.Fatal("identity should be gone after removing its current handle")
	}
}

func TestRemoveUnknownHandleIsNoop(t *testing.T) {
	r := New()
	r.Announce("d1", &fakeConn{"h1"})
	r.Remove(&fakeConn{"other"})
	if _, ok := r.Lookup("d1"); !ok {
		t.Fatal("unrelated remove must not touch existing mappings")
	}
}

func TestRemoveDropsAllIdentitiesOnHandle(t *testing.T) {
	r := New()
	h := &fakeConn{"h"}
	r.Announce("d1", h)
	r.Announce("d2", h)
	r.Remove(h)
	if r.Len() != 0 {
		t.Fatalf("len = %d after removing shared handle; want 0", r.Len())
	}
}

func TestConcurrentAnnounceLookupRemove(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("d%d", i%8)
			for j := 0; j < 200; j++ {
				h := &fakeConn{name: fmt.Sprintf("h%d-%d", i, j)}
				r.Announce(id, h)
				r.Lookup(id)
				r.Remove(h)
			}
		}(i)
	}
	wg.Wait()
	// every announce was paired with a remove of the same handle or
	// superseded first; nothing may leak
	if n := r.Len(); n != 0 {
		t.Fatalf("len = %d after balanced churn; want 0", n)
	}
}
