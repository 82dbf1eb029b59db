// Package store defines the transactional registry contract used by the
// reconciler. Records are JSON documents grouped by kind and addressed by
// key; typed accessors live in records.go.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("transaction already finished")

// Kind groups records of one type.
type Kind string

const (
	KindNode    Kind = "node"
	KindLink    Kind = "link"
	KindSubnet  Kind = "subnet"
	KindWarning Kind = "warning"
	KindEvent   Kind = "event"
	KindClient  Kind = "client"
	KindPackage Kind = "package"
	KindPeer    Kind = "peer"
	KindNotice  Kind = "notice"
)

// Store hands out transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Opener establishes a new Store handle. Every pool worker calls it to get a
// connection of its own.
type Opener func(ctx context.Context) (Store, error)

// Tx is one transactional unit. Reads observe the transaction's own
// pending writes. Every Tx must end in Commit or Rollback.
type Tx interface {
	Get(kind Kind, key string) ([]byte, error)
	Scan(kind Kind, prefix string) (map[string][]byte, error)
	Put(kind Kind, key string, value []byte) error
	Delete(kind Kind, key string) error
	Commit() error
	Rollback() error
}

// Buffer collects pending writes of a transaction. A nil value marks a
// delete.
type Buffer struct {
	writes map[Kind]map[string][]byte
}

// NewBuffer returns an empty write buffer.
func NewBuffer() *Buffer {
	return &Buffer{writes: make(map[Kind]map[string][]byte)}
}

// Put records a write.
func (b *Buffer) Put(kind Kind, key string, value []byte) {
	m := b.writes[kind]
	if m == nil {
		m = make(map[string][]byte)
		b.writes[kind] = m
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m[key] = cp
}

// Delete records a delete.
func (b *Buffer) Delete(kind Kind, key string) {
	m := b.writes[kind]
	if m == nil {
		m = make(map[string][]byte)
		b.writes[kind] = m
	}
	m[key] = nil
}

// Lookup returns the pending value for key. found is false when the buffer
// has no opinion; deleted is true when the key was deleted.
func (b *Buffer) Lookup(kind Kind, key string) (value []byte, found, deleted bool) {
	v, ok := b.writes[kind][key]
	if !ok {
		return nil, false, false
	}
	if v == nil {
		return nil, true, true
	}
	return v, true, false
}

// Overlay applies pending writes under prefix to a scanned base set.
func (b *Buffer) Overlay(kind Kind, prefix string, base map[string][]byte) map[string][]byte {
	for k, v := range b.writes[kind] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return base
}

// Each visits pending writes in deterministic order.
func (b *Buffer) Each(fn func(kind Kind, key string, value []byte)) {
	kinds := make([]string, 0, len(b.writes))
	for k := range b.writes {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		m := b.writes[Kind(k)]
		keys := make([]string, 0, len(m))
		for key := range m {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fn(Kind(k), key, m[key])
		}
	}
}

// Len returns the number of pending writes.
func (b *Buffer) Len() int {
	n := 0
	for _, m := range b.writes {
		n += len(m)
	}
	return n
}
