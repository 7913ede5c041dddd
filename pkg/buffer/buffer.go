package buffer

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// segmentSize is the default capacity of a freshly allocated segment.
const segmentSize = 4096

// maxReserveSlices bounds how many slices a single Reserve returns.
const maxReserveSlices = 8

// segment is one contiguous run of bytes. Readable bytes live in
// data[start:end]; data[end:cap] is free tail space.
type segment struct {
	data  []byte
	start int
	end   int
}

func newSegment(capacity int) *segment {
	if capacity < segmentSize {
		capacity = segmentSize
	}
	return &segment{data: make([]byte, capacity)}
}

func (s *segment) readable() []byte { return s.data[s.start:s.end] }
func (s *segment) length() int      { return s.end - s.start }
func (s *segment) tailRoom() int    { return cap(s.data) - s.end }

// Buffer is an ordered byte queue backed by a segment chain.
//
// The zero value is an empty buffer ready for use.
type Buffer struct {
	segs   []*segment
	length int

	// reservation holds segments handed out by Reserve and not yet
	// committed. reservedInTail is true when the first reserved slice is
	// the tail room of the last readable segment.
	reservation    []*segment
	reservedInTail bool
}

// Length returns the number of readable bytes.
func (b *Buffer) Length() int { return b.length }

// Add appends a copy of p.
func (b *Buffer) Add(p []byte) {
	for len(p) > 0 {
		tail := b.tailSegment(len(p))
		n := copy(tail.data[tail.end:cap(tail.data)], p)
		tail.end += n
		b.length += n
		p = p[n:]
	}
}

// AddString appends a copy of s.
func (b *Buffer) AddString(s string) { b.Add([]byte(s)) }

// tailSegment returns the last segment if it has tail room, allocating a new
// one sized for at least want bytes otherwise.
func (b *Buffer) tailSegment(want int) *segment {
	if n := len(b.segs); n > 0 && b.segs[n-1].tailRoom() > 0 {
		return b.segs[n-1]
	}
	seg := newSegment(want)
	b.segs = append(b.segs, seg)
	return seg
}

// Move transfers all bytes from src to b, preferring segment adoption over
// copying. src is empty afterwards.
func (b *Buffer) Move(src *Buffer) {
	b.segs = append(b.segs, src.segs...)
	b.length += src.length
	src.segs = nil
	src.length = 0
}

// MoveN transfers up to n bytes from the head of src to b. Whole segments are
// adopted; a segment straddling the limit is split by copy.
func (b *Buffer) MoveN(src *Buffer, n int) {
	for n > 0 && len(src.segs) > 0 {
		head := src.segs[0]
		if head.length() <= n {
			src.segs = src.segs[1:]
			src.length -= head.length()
			n -= head.length()
			b.segs = append(b.segs, head)
			b.length += head.length()
			continue
		}
		b.Add(head.readable()[:n])
		head.start += n
		src.length -= n
		n = 0
	}
}

// Drain discards n bytes from the head. Draining more than Length discards
// everything.
func (b *Buffer) Drain(n int) {
	for n > 0 && len(b.segs) > 0 {
		head := b.segs[0]
		if head.length() <= n {
			n -= head.length()
			b.length -= head.length()
			b.segs = b.segs[1:]
			continue
		}
		head.start += n
		b.length -= n
		n = 0
	}
}

// RawSlices returns the readable byte runs in order. The slices alias the
// buffer and are invalidated by any mutation.
func (b *Buffer) RawSlices() [][]byte {
	out := make([][]byte, 0, len(b.segs))
	for _, s := range b.segs {
		if s.length() > 0 {
			out = append(out, s.readable())
		}
	}
	return out
}

// Bytes returns a copy of the full readable contents.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.length)
	for _, s := range b.segs {
		out = append(out, s.readable()...)
	}
	return out
}

// Linearize makes the first n readable bytes contiguous and returns them.
// n greater than Length is clamped.
func (b *Buffer) Linearize(n int) []byte {
	if n > b.length {
		n = b.length
	}
	if n == 0 {
		return nil
	}
	if b.segs[0].length() >= n {
		return b.segs[0].readable()[:n]
	}
	merged := newSegment(n)
	remaining := n
	for remaining > 0 {
		head := b.segs[0]
		take := head.length()
		if take > remaining {
			take = remaining
		}
		merged.end += copy(merged.data[merged.end:], head.readable()[:take])
		head.start += take
		remaining -= take
		if head.length() == 0 {
			b.segs = b.segs[1:]
		}
	}
	b.segs = append([]*segment{merged}, b.segs...)
	return merged.readable()[:n]
}

// Search returns the index of the first occurrence of needle at or after
// start, scanning across segment boundaries, or -1 if absent.
func (b *Buffer) Search(needle []byte, start int) int {
	if len(needle) == 0 {
		return start
	}
	if start >= b.length {
		return -1
	}
	// A match can straddle segments, so the scan window keeps the last
	// len(needle)-1 bytes of the previous segments in front of each new one.
	offset := 0
	var window []byte
	windowBase := 0
	for _, s := range b.segs {
		seg := s.readable()
		if offset+len(seg) <= start-len(needle)+1 {
			offset += len(seg)
			continue
		}
		if window == nil {
			window = seg
			windowBase = offset
		} else {
			keep := len(needle) - 1
			if keep > len(window) {
				keep = len(window)
			}
			windowBase += len(window) - keep
			joined := make([]byte, 0, keep+len(seg))
			joined = append(joined, window[len(window)-keep:]...)
			joined = append(joined, seg...)
			window = joined
		}
		from := 0
		if start > windowBase {
			from = start - windowBase
		}
		if from < len(window) {
			if i := bytes.Index(window[from:], needle); i >= 0 {
				return windowBase + from + i
			}
		}
		offset += len(seg)
	}
	return -1
}

// Reserve returns up to maxReserveSlices writable slices totaling at least n
// bytes. The caller fills a prefix and publishes it with Commit. A second
// Reserve before Commit discards the first reservation.
func (b *Buffer) Reserve(n int) [][]byte {
	b.reservation = nil
	b.reservedInTail = false

	out := make([][]byte, 0, maxReserveSlices)
	remaining := n
	if ln := len(b.segs); ln > 0 && b.segs[ln-1].tailRoom() > 0 {
		tail := b.segs[ln-1]
		out = append(out, tail.data[tail.end:cap(tail.data)])
		b.reservedInTail = true
		remaining -= tail.tailRoom()
	}
	for remaining > 0 && len(out) < maxReserveSlices {
		seg := newSegment(remaining)
		b.reservation = append(b.reservation, seg)
		out = append(out, seg.data[:cap(seg.data)])
		remaining -= cap(seg.data)
	}
	return out
}

// Commit publishes written bytes of the current reservation, in slice order.
// Committing zero bytes releases the reservation. The buffer is never left
// partially committed: either all written bytes become readable or none do.
func (b *Buffer) Commit(written int) {
	if written > 0 && b.reservedInTail {
		tail := b.segs[len(b.segs)-1]
		n := tail.tailRoom()
		if n > written {
			n = written
		}
		tail.end += n
		b.length += n
		written -= n
	}
	for _, seg := range b.reservation {
		if written <= 0 {
			break
		}
		n := cap(seg.data)
		if n > written {
			n = written
		}
		seg.data = seg.data[:cap(seg.data)]
		seg.end = n
		b.segs = append(b.segs, seg)
		b.length += n
		written -= n
	}
	b.reservation = nil
	b.reservedInTail = false
}

// ReadFd performs a single readv into the buffer, reading at most max bytes.
// It returns the byte count from the kernel; 0 means the peer closed.
func (b *Buffer) ReadFd(fd int, max int) (int, error) {
	slices := b.Reserve(max)
	total := 0
	for i, s := range slices {
		if total+len(s) > max {
			slices[i] = s[:max-total]
		}
		total += len(slices[i])
		if total >= max {
			slices = slices[:i+1]
			break
		}
	}
	n, err := unix.Readv(fd, slices)
	if n < 0 {
		n = 0
	}
	b.Commit(n)
	return n, err
}

// WriteFd performs a single writev of the readable bytes and drains what was
// written.
func (b *Buffer) WriteFd(fd int) (int, error) {
	slices := b.RawSlices()
	if len(slices) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(fd, slices)
	if n > 0 {
		b.Drain(n)
	} else {
		n = 0
	}
	return n, err
}
