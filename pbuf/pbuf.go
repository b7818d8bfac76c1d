// Package pbuf implements the fixed-headroom packet buffer pool used
// throughout the data plane: every buffer reserves a 128-byte prefix so a
// lower layer (the proxy framer, the transport header writer) can prepend
// without copying the payload.
package pbuf

import "sync"

// Headroom is the fixed prefix reserved ahead of every buffer's payload so
// headers can be prepended in place.
const Headroom = 128

// MaxPoolSize is the largest buffer size class the pool caches. Allocations
// above this are served but never recycled (they're the exception, not the
// common MTU case).
const MaxPoolSize = 2048

// Pbuf is a pooled packet buffer. ptr is the full backing array; payload is
// the current view into it. len is the effective payload length, tot_len is
// the capacity available from payload to the end of ptr.
type Pbuf struct {
	ptr     []byte
	start   int // offset of payload within ptr
	Len     int
	TotLen  int
	sizeCls int
}

// Bytes returns the current payload view.
func (p *Pbuf) Bytes() []byte {
	return p.ptr[p.start : p.start+p.Len]
}

// Prepend moves the payload start backward by n bytes (must be <= the
// headroom currently available) and returns the new, larger view. It does
// not copy the existing payload.
func (p *Pbuf) Prepend(n int) ([]byte, bool) {
	if n > p.start {
		return nil, false
	}
	p.start -= n
	p.Len += n
	return p.ptr[p.start : p.start+p.Len], true
}

type Pool struct {
	mu   sync.Mutex
	free map[int][]*Pbuf
}

// classFor returns the smallest cached size class able to hold size bytes,
// or 0 if size exceeds the pool's ceiling (caller must allocate uncached).
func classFor(size int) int {
	if size > MaxPoolSize {
		return 0
	}
	c := 256
	for c < size {
		c *= 2
	}
	return c
}

// NewPool constructs an empty packet buffer pool.
func NewPool() *Pool {
	return &Pool{free: make(map[int][]*Pbuf)}
}

// Alloc returns a buffer with at least size bytes of payload capacity and
// Headroom bytes free ahead of the payload, or nil if the requested size
// exceeds what the pool is willing to allocate. Callers must treat a nil
// result as a packet drop, never retry in a loop.
func (p *Pool) Alloc(size int) *Pbuf {
	if size < 0 {
		return nil
	}
	cls := classFor(size)

	if cls != 0 {
		p.mu.Lock()
		if bufs := p.free[cls]; len(bufs) > 0 {
			pb := bufs[len(bufs)-1]
			p.free[cls] = bufs[:len(bufs)-1]
			p.mu.Unlock()
			pb.start = Headroom
			pb.Len = size
			pb.TotLen = cls
			return pb
		}
		p.mu.Unlock()
	}

	total := Headroom + size
	if cls != 0 {
		total = Headroom + cls
	}
	pb := &Pbuf{
		ptr:     make([]byte, total),
		start:   Headroom,
		Len:     size,
		TotLen:  size,
		sizeCls: cls,
	}
	if cls != 0 {
		pb.TotLen = cls
	}
	return pb
}

// Free returns a buffer to its size-class free list. Buffers above
// MaxPoolSize are simply dropped for GC.
func (p *Pool) Free(pb *Pbuf) {
	if pb == nil || pb.sizeCls == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[pb.sizeCls] = append(p.free[pb.sizeCls], pb)
}

// Take copies data into the buffer's payload region, resetting Len and the
// payload start back to immediately after the headroom.
func Take(pb *Pbuf, data []byte) bool {
	if len(data) > pb.TotLen {
		return false
	}
	pb.start = Headroom
	pb.Len = len(data)
	copy(pb.ptr[pb.start:pb.start+pb.Len], data)
	return true
}

// CopyPartial copies up to length bytes starting at offset within the
// buffer's payload into dst, returning the number of bytes copied.
func CopyPartial(pb *Pbuf, dst []byte, length, offset int) int {
	avail := pb.Len - offset
	if avail <= 0 {
		return 0
	}
	if length > avail {
		length = avail
	}
	n := copy(dst[:length], pb.ptr[pb.start+offset:pb.start+offset+length])
	return n
}
