package directory

import (
	"testing"

	"pstack/util"
)

// memKVS is an in-process stand-in for util.OpenKVStore's backends, used
// so the encode/decode and cache-API contract can be tested without a
// live redis/mysql/sqlite3 connection.
type memKVS struct {
	data map[string]string
}

func newMemKVS() *memKVS { return &memKVS{data: make(map[string]string)} }

func (m *memKVS) Put(key, value string) error { m.data[key] = value; return nil }

func (m *memKVS) Get(key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", util.ErrKVSNotAvailable
	}
	return v, nil
}

func (m *memKVS) List() ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestDirectory() *PeerDirectory {
	return &PeerDirectory{kvs: newMemKVS()}
}

func TestPutGetRoundTrip(t *testing.T) {
	d := newTestDirectory()
	if err := d.Put("B", "127.0.0.1", 9002); err != nil {
		t.Fatalf("Put: %v", err)
	}
	addr, err := d.Get("B")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if addr.Host != "127.0.0.1" || addr.Port != 9002 {
		t.Fatalf("unexpected address: %+v", addr)
	}
	if addr.LastSeen.IsZero() {
		t.Fatal("expected LastSeen to be stamped")
	}
}

func TestGetUnknownName(t *testing.T) {
	d := newTestDirectory()
	if _, err := d.Get("ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHostAddrFormatting(t *testing.T) {
	d := newTestDirectory()
	d.Put("B", "10.0.0.5", 9002)
	ha, err := d.HostAddr("B")
	if err != nil {
		t.Fatalf("HostAddr: %v", err)
	}
	if ha != "10.0.0.5:9002" {
		t.Fatalf("unexpected host address: %s", ha)
	}
}

func TestTouchPreservesAddress(t *testing.T) {
	d := newTestDirectory()
	d.Put("B", "10.0.0.5", 9002)
	first, _ := d.Get("B")
	if err := d.Touch("B"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	second, err := d.Get("B")
	if err != nil {
		t.Fatalf("Get after Touch: %v", err)
	}
	if second.Host != first.Host || second.Port != first.Port {
		t.Fatalf("Touch changed the address: %+v -> %+v", first, second)
	}
}

func TestNamesListsAllEntries(t *testing.T) {
	d := newTestDirectory()
	d.Put("B", "127.0.0.1", 9002)
	d.Put("C", "127.0.0.1", 9003)
	names, err := d.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d: %v", len(names), names)
	}
}
