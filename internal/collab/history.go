package collab

// DefaultHistorySize is the number of serialized messages retained per room.
const DefaultHistorySize = 1000

// HistoryBuffer is a fixed-capacity ring of serialized messages for one room,
// used to replay recent activity to a newly joined connection. It is owned by
// the room and mutated only under the room's lock; when the room is destroyed
// the buffer goes with it.
type HistoryBuffer struct {
	items [][]byte
	pos   int
	count int
}

// NewHistoryBuffer creates an empty buffer holding at most capacity messages.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &HistoryBuffer{items: make([][]byte, capacity)}
}

// Append pushes a serialized message, overwriting the oldest entry once the
// buffer is full.
func (b *HistoryBuffer) Append(msg []byte) {
	b.items[b.pos] = msg
	b.pos = (b.pos + 1) % len(b.items)
	if b.count < len(b.items) {
		b.count++
	}
}

// Recent returns up to the last limit messages in chronological order, oldest
// of the returned slice first. A limit <= 0 returns the full buffer.
func (b *HistoryBuffer) Recent(limit int) [][]byte {
	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([][]byte, n)
	// The oldest retained message sits at (pos - count) mod capacity; the
	// returned window ends at the newest entry.
	start := (b.pos - n + len(b.items)) % len(b.items)
	for i := 0; i < n; i++ {
		result[i] = b.items[(start+i)%len(b.items)]
	}
	return result
}

// Len returns the number of messages currently retained.
func (b *HistoryBuffer) Len() int {
	return b.count
}
