// Package directory implements the stack's peer address cache
// (SPEC_FULL.md §4.9): a small (name) -> (host, port, last-seen) store
// layered over the teacher's pluggable redis/mysql/sqlite3 key-value
// store (util.OpenKVStore), so connect_to can resolve a bare peer name
// to a home address without the caller supplying one every time.
package directory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pstack/util"
)

// ErrNotFound is returned when a name has no recorded address.
var ErrNotFound = errors.New("directory: peer not found")

// PeerAddress is one cached peer location.
type PeerAddress struct {
	Host     string
	Port     int
	LastSeen time.Time
}

// PeerDirectory caches peer addresses in whatever backend spec names
// (see util.OpenKVStore for the "redis+..."/"mysql:..."/"sqlite3:..."
// spec grammar).
type PeerDirectory struct {
	kvs util.KeyValueStore
}

// Open connects to the backend described by spec.
func Open(spec string) (*PeerDirectory, error) {
	kvs, err := util.OpenKVStore(spec)
	if err != nil {
		return nil, err
	}
	return &PeerDirectory{kvs: kvs}, nil
}

// Put records (or overwrites) name's current address, stamping
// LastSeen with the current time.
func (d *PeerDirectory) Put(name, host string, port int) error {
	return d.kvs.Put(name, encode(PeerAddress{Host: host, Port: port, LastSeen: time.Now()}))
}

// Get resolves name to its last recorded address.
func (d *PeerDirectory) Get(name string) (PeerAddress, error) {
	raw, err := d.kvs.Get(name)
	if err != nil {
		return PeerAddress{}, ErrNotFound
	}
	return decode(raw)
}

// HostAddr is a convenience wrapper returning "host:port" directly,
// the form Stack.ConnectTo expects.
func (d *PeerDirectory) HostAddr(name string) (string, error) {
	addr, err := d.Get(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", addr.Host, addr.Port), nil
}

// Touch refreshes name's LastSeen without changing its address.
func (d *PeerDirectory) Touch(name string) error {
	addr, err := d.Get(name)
	if err != nil {
		return err
	}
	return d.Put(name, addr.Host, addr.Port)
}

// Names lists every peer name currently recorded.
func (d *PeerDirectory) Names() ([]string, error) {
	return d.kvs.List()
}

func encode(addr PeerAddress) string {
	return strings.Join([]string{
		addr.Host,
		strconv.Itoa(addr.Port),
		strconv.FormatInt(addr.LastSeen.UnixNano(), 10),
	}, "|")
}

func decode(raw string) (PeerAddress, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return PeerAddress{}, ErrNotFound
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return PeerAddress{}, ErrNotFound
	}
	nsec, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PeerAddress{}, ErrNotFound
	}
	return PeerAddress{Host: parts[0], Port: port, LastSeen: time.Unix(0, nsec)}, nil
}
