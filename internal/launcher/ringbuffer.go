package launcher

import "sync"

// ringBuffer is a fixed-size circular byte buffer used to retain the tail
// of a process's stderr for diagnostics. Prevents memory exhaustion when a
// process is chatty on stderr.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	head int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 16 * 1024
	}
	return &ringBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. When the buffer is full the oldest bytes are
// overwritten.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, b := range p {
		rb.buf[rb.head] = b
		rb.head = (rb.head + 1) % len(rb.buf)
		if rb.head == 0 {
			rb.full = true
		}
	}
	return len(p), nil
}

// String returns the retained bytes in write order.
func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		return string(rb.buf[:rb.head])
	}
	return string(rb.buf[rb.head:]) + string(rb.buf[:rb.head])
}

// Len returns the number of retained bytes.
func (rb *ringBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.head
}
