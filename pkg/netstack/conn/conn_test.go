package conn_test

import (
	"testing"

	"kernos/pkg/netstack/conn"
)

type record struct {
	local  uint16
	remote uint16
}

func TestCreateLookupRemove(t *testing.T) {
	table := conn.NewTable[record]()

	c := table.Create(1024, 80)
	c.local, c.remote = 1024, 80

	got, ok := table.Lookup(1024, 80)
	if !ok {
		t.Fatal("Lookup(1024, 80) = none, want record")
	}
	if got != c {
		t.Error("Lookup returned a different record than Create")
	}

	if _, ok := table.Lookup(1024, 81); ok {
		t.Error("Lookup(1024, 81) found a record that was never created")
	}

	if !table.Remove(1024, 80) {
		t.Fatal("Remove(1024, 80) failed")
	}
	if _, ok := table.Lookup(1024, 80); ok {
		t.Error("Lookup succeeded after Remove")
	}
	if table.Remove(1024, 80) {
		t.Error("Remove succeeded twice")
	}
}

func TestStableReferences(t *testing.T) {
	table := conn.NewTable[record]()

	c := table.Create(1024, 7)
	c.local = 1024

	// Unrelated mutations must not invalidate the reference.
	for p := uint16(2000); p < 2040; p++ {
		table.Create(p, 53)
	}
	table.Remove(2010, 53)

	got, ok := table.Lookup(1024, 7)
	if !ok || got != c || got.local != 1024 {
		t.Error("reference invalidated by unrelated mutations")
	}
}

func TestLiveRecordInvariant(t *testing.T) {
	table := conn.NewTable[record]()

	pairs := [][2]uint16{{1024, 80}, {1025, 80}, {1024, 443}}
	for _, p := range pairs {
		table.Create(p[0], p[1])
	}
	table.Remove(1025, 80)

	if _, ok := table.Lookup(1024, 80); !ok {
		t.Error("live record (1024, 80) not found")
	}
	if _, ok := table.Lookup(1025, 80); ok {
		t.Error("removed record (1025, 80) still found")
	}
	if table.Len() != 2 {
		t.Errorf("Len = %d, want 2", table.Len())
	}
}
