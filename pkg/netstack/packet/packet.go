// Package packet provides the tagged buffer every layer of the stack
// shares. A buffer is allocated once by the lowest layer and moved
// across layer boundaries; each layer records the offset of its own
// header as a tag so later passes can find it again.
package packet

// Layers indexing the tag array.
const (
	LayerLink      = 0
	LayerInternet  = 1
	LayerTransport = 2
)

const tagCount = 3

// InvalidFD is the descriptor of a packet not registered against a
// socket.
const InvalidFD = ^uint64(0)

// Buffer is a contiguous payload with a read/write cursor and
// per-layer header offsets. Exactly one owner holds a buffer at any
// instant; handing it to a queue or to the driver is a move. The
// UserOwned flag marks payloads backed by caller memory, which must
// never be released by the stack.
type Buffer struct {
	Payload   []byte
	Index     int
	FD        uint64
	UserOwned bool

	tags [tagCount]int
}

// New allocates a buffer of the given size.
func New(size int, userOwned bool) *Buffer {
	b := &Buffer{
		Payload:   make([]byte, size),
		FD:        InvalidFD,
		UserOwned: userOwned,
	}
	for i := range b.tags {
		b.tags[i] = -1
	}
	return b
}

// SetTag records the offset of the given layer's header. Re-recording
// the same offset is allowed.
func (b *Buffer) SetTag(layer, offset int) {
	b.tags[layer] = offset
}

// Tag returns the recorded offset of the given layer's header. Reading
// a tag that was never set is a programming error.
func (b *Buffer) Tag(layer int) int {
	if b.tags[layer] < 0 {
		panic("packet: reading unset layer tag")
	}
	return b.tags[layer]
}

// HasTag indicates whether the given layer's tag was set.
func (b *Buffer) HasTag(layer int) bool {
	return b.tags[layer] >= 0
}

// Advance moves the cursor forward by n bytes.
func (b *Buffer) Advance(n int) {
	b.Index += n
}

// Retreat moves the cursor back by n bytes.
func (b *Buffer) Retreat(n int) {
	b.Index -= n
}

// Rest returns the payload from the cursor to the end.
func (b *Buffer) Rest() []byte {
	return b.Payload[b.Index:]
}

// Clone deep-copies the buffer: same bytes, cursor, tags, and
// descriptor. The clone is always stack-owned.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{
		Payload: make([]byte, len(b.Payload)),
		Index:   b.Index,
		FD:      b.FD,
		tags:    b.tags,
	}
	copy(c.Payload, b.Payload)
	return c
}

// Release drops the payload of a stack-owned buffer. User-owned
// payloads are left untouched.
func (b *Buffer) Release() {
	if b.UserOwned {
		return
	}
	b.Payload = nil
}
