// Package conn provides the per-transport connection table: a mapping
// from (local port, remote port) to a stable connection record.
package conn

import (
	"sync"

	"github.com/google/btree"
)

type key struct {
	local  uint16
	remote uint16
}

type item[T any] struct {
	key  key
	conn *T
}

// Table maps port pairs to connection records. References returned by
// Create and Lookup stay valid across unrelated mutations until the
// record is removed.
type Table[T any] struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*item[T]]
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	less := func(a, b *item[T]) bool {
		if a.key.local != b.key.local {
			return a.key.local < b.key.local
		}
		return a.key.remote < b.key.remote
	}
	return &Table[T]{tree: btree.NewG(2, less)}
}

// Create allocates a connection record for the port pair and returns
// it. An existing record under the same pair is replaced.
func (t *Table[T]) Create(local, remote uint16) *T {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := new(T)
	t.tree.ReplaceOrInsert(&item[T]{key: key{local, remote}, conn: c})
	return c
}

// Lookup returns the record for the port pair. The decode paths pass
// (packet target port, packet source port): the peer's source port is
// our remote port.
func (t *Table[T]) Lookup(local, remote uint16) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.tree.Get(&item[T]{key: key{local, remote}})
	if !ok {
		return nil, false
	}
	return it.conn, true
}

// Remove deletes the record for the port pair.
func (t *Table[T]) Remove(local, remote uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.tree.Delete(&item[T]{key: key{local, remote}})
	return ok
}

// Len returns the number of live records.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}
