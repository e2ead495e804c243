package scope

import (
	"encoding/json"

	"github.com/chosenoffset/daqhub/pkg/daqhub/hardware"
)

// Frame is one acquired sample across every channel group.
type Frame struct {
	Time float64   `json:"t"`
	AI   []float64 `json:"ai"`
	AO   []float64 `json:"ao,omitempty"`
	DO   []bool    `json:"do,omitempty"`
	TC   []float64 `json:"tc,omitempty"`
}

// MarshalJSON encodes disconnected thermocouples as null.
func (f Frame) MarshalJSON() ([]byte, error) {
	type frame Frame
	return json.Marshal(struct {
		frame
		TC []*float64 `json:"tc,omitempty"`
	}{frame(f), hardware.Readings(f.TC)})
}

// Buffer is a bounded ring of frames addressed by absolute sample index.
// Index 0 is the first frame ever pushed; once the ring is full the oldest
// frame is overwritten.
type Buffer struct {
	frames []Frame
	head   int   // position of the oldest frame
	n      int   // frames held
	next   int64 // absolute index of the next push
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{frames: make([]Frame, capacity)}
}

func (b *Buffer) Push(f Frame) {
	c := len(b.frames)
	if b.n < c {
		b.frames[(b.head+b.n)%c] = f
		b.n++
	} else {
		b.frames[b.head] = f
		b.head = (b.head + 1) % c
	}
	b.next++
}

func (b *Buffer) Len() int { return b.n }

func (b *Buffer) Cap() int { return len(b.frames) }

// First is the absolute index of the oldest frame held.
func (b *Buffer) First() int64 { return b.next - int64(b.n) }

// Next is the absolute index the next pushed frame will get.
func (b *Buffer) Next() int64 { return b.next }

// At returns the frame with absolute index i.
func (b *Buffer) At(i int64) (Frame, bool) {
	if i < b.First() || i >= b.next {
		return Frame{}, false
	}
	off := int(i - b.First())
	return b.frames[(b.head+off)%len(b.frames)], true
}

// Slice copies frames [from, to) out of the ring. It returns nil unless the
// whole range is held.
func (b *Buffer) Slice(from, to int64) []Frame {
	if from < b.First() || to > b.next || from > to {
		return nil
	}
	out := make([]Frame, 0, to-from)
	for i := from; i < to; i++ {
		f, _ := b.At(i)
		out = append(out, f)
	}
	return out
}

// Grow raises the capacity to at least capacity, keeping every frame and
// its absolute index.
func (b *Buffer) Grow(capacity int) {
	if capacity <= len(b.frames) {
		return
	}
	frames := make([]Frame, capacity)
	for i := 0; i < b.n; i++ {
		frames[i] = b.frames[(b.head+i)%len(b.frames)]
	}
	b.frames = frames
	b.head = 0
}

// Reset drops every frame. Absolute indices keep counting.
func (b *Buffer) Reset() {
	for i := range b.frames {
		b.frames[i] = Frame{}
	}
	b.head = 0
	b.n = 0
}
