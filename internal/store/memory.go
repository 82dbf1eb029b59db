package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store. Commits are applied atomically under a
// single lock; transactions read committed data plus their own writes.
type Memory struct {
	mu   sync.RWMutex
	data map[Kind]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[Kind]map[string][]byte)}
}

// Opener returns an Opener that always hands out this store. Close on the
// returned handle is a no-op so workers may close freely.
func (m *Memory) Opener() Opener {
	return func(ctx context.Context) (Store, error) {
		return memoryHandle{m}, nil
	}
}

// Begin starts a transaction.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{store: m, buf: NewBuffer()}, nil
}

// Close releases nothing; the data stays for other handles.
func (m *Memory) Close() error {
	return nil
}

type memoryHandle struct {
	*Memory
}

func (h memoryHandle) Close() error {
	return nil
}

type memoryTx struct {
	store *Memory
	buf   *Buffer
	done  bool
}

func (tx *memoryTx) Get(kind Kind, key string) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if v, found, deleted := tx.buf.Lookup(kind, key); found {
		if deleted {
			return nil, ErrNotFound
		}
		return v, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	v, ok := tx.store.data[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (tx *memoryTx) Scan(kind Kind, prefix string) (map[string][]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	out := make(map[string][]byte)
	tx.store.mu.RLock()
	for k, v := range tx.store.data[kind] {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	tx.store.mu.RUnlock()
	return tx.buf.Overlay(kind, prefix, out), nil
}

func (tx *memoryTx) Put(kind Kind, key string, value []byte) error {
	if tx.done {
		return ErrTxDone
	}
	tx.buf.Put(kind, key, value)
	return nil
}

func (tx *memoryTx) Delete(kind Kind, key string) error {
	if tx.done {
		return ErrTxDone
	}
	tx.buf.Delete(kind, key)
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.buf.Each(func(kind Kind, key string, value []byte) {
		m := tx.store.data[kind]
		if m == nil {
			m = make(map[string][]byte)
			tx.store.data[kind] = m
		}
		if value == nil {
			delete(m, key)
			return
		}
		m[key] = value
	})
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.buf = NewBuffer()
	return nil
}
