package offload

import "fmt"

// Timestamp request in app3: the tag goes in the upper half, the low bits
// select two-step timestamping.
const (
	TxTimestampTwoStep = 0x2
	txTagShift         = 16

	// TagMax is the largest valid tag. 0xFFFF marks an invalid tag.
	TagMax     = 0xFFFE
	InvalidTag = 0xFFFF
)

// TimestampApp returns the app3 word requesting a timestamp for tag.
func TimestampApp(tag uint16) uint32 { return uint32(tag)<<txTagShift | TxTimestampTwoStep }

// TagTable hands out transmit timestamp tags and remembers which frame
// each outstanding tag belongs to.
// It is not safe for concurrent use.
type TagTable struct {
	next    uint16
	pending map[uint16]any
}

func NewTagTable() *TagTable {
	return &TagTable{pending: make(map[uint16]any)}
}

// Assign returns a fresh tag for frame. Tags increase monotonically and
// wrap after TagMax.
func (t *TagTable) Assign(frame any) uint16 {
	tag := t.next
	if prev, ok := t.pending[tag]; ok {
		panic(fmt.Sprintf("offload: timestamp tag %d reassigned while frame %v is pending", tag, prev))
	}
	t.pending[tag] = frame
	if t.next == TagMax {
		t.next = 0
	} else {
		t.next++
	}
	return tag
}

// Take returns and forgets the frame tag was assigned to.
func (t *TagTable) Take(tag uint16) (any, bool) {
	f, ok := t.pending[tag]
	if ok {
		delete(t.pending, tag)
	}
	return f, ok
}

// Forget drops tag without correlating it.
func (t *TagTable) Forget(tag uint16) { delete(t.pending, tag) }

// Len returns the number of outstanding tags.
func (t *TagTable) Len() int { return len(t.pending) }

// Reset forgets every outstanding tag. The tag sequence continues.
func (t *TagTable) Reset() { clear(t.pending) }
