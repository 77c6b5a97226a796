package packet_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"kernos/pkg/netstack/packet"
)

func TestTags(t *testing.T) {
	b := packet.New(64, false)

	if b.HasTag(packet.LayerInternet) {
		t.Error("fresh buffer has a set tag")
	}

	b.SetTag(packet.LayerLink, 0)
	b.SetTag(packet.LayerInternet, 14)
	b.SetTag(packet.LayerTransport, 34)

	if got := b.Tag(packet.LayerInternet); got != 14 {
		t.Errorf("Tag(internet) = %d, want 14", got)
	}
	if got := b.Tag(packet.LayerTransport); got != 34 {
		t.Errorf("Tag(transport) = %d, want 34", got)
	}
}

func TestTagUnsetPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("reading an unset tag did not panic")
		}
	}()

	b := packet.New(8, false)
	b.Tag(packet.LayerTransport)
}

func TestCursor(t *testing.T) {
	b := packet.New(64, false)

	b.Advance(14)
	b.Advance(20)
	if b.Index != 34 {
		t.Fatalf("Index = %d, want 34", b.Index)
	}
	b.Retreat(20)
	if b.Index != 14 {
		t.Fatalf("Index = %d, want 14", b.Index)
	}
	if got := len(b.Rest()); got != 50 {
		t.Errorf("len(Rest) = %d, want 50", got)
	}
}

func TestClone(t *testing.T) {
	b := packet.New(16, false)
	copy(b.Payload, []byte("abcdefgh"))
	b.SetTag(packet.LayerLink, 0)
	b.SetTag(packet.LayerInternet, 14)
	b.Advance(34)
	b.FD = 7

	c := b.Clone()

	if diff := cmp.Diff(b.Payload, c.Payload); diff != "" {
		t.Errorf("clone payload mismatch (-want +got):\n%s", diff)
	}
	if c.Index != b.Index {
		t.Errorf("clone Index = %d, want %d", c.Index, b.Index)
	}
	if c.FD != b.FD {
		t.Errorf("clone FD = %d, want %d", c.FD, b.FD)
	}
	if c.Tag(packet.LayerInternet) != 14 {
		t.Errorf("clone Tag(internet) = %d, want 14", c.Tag(packet.LayerInternet))
	}

	// The copies must not alias.
	c.Payload[0] = 'z'
	if b.Payload[0] != 'a' {
		t.Error("clone aliases the original payload")
	}
}

func TestReleaseKeepsUserPayload(t *testing.T) {
	user := packet.New(8, true)
	user.Release()
	if user.Payload == nil {
		t.Error("Release dropped a user-owned payload")
	}

	kern := packet.New(8, false)
	kern.Release()
	if kern.Payload != nil {
		t.Error("Release kept a stack-owned payload")
	}
}
