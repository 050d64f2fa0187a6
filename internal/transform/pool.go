package transform

import "sync"

// framePool pools frame-sized byte slices for a single buffer size.
// Sessions keep a fixed resolution, so one size per pool is enough; a
// size change resets the pool.
type framePool struct {
	mu   sync.Mutex
	size int
	pool sync.Pool
}

func (p *framePool) Get(size int) []byte {
	p.mu.Lock()
	if p.size != size {
		p.size = size
		p.pool = sync.Pool{}
		p.mu.Unlock()
		return make([]byte, size)
	}
	p.mu.Unlock()

	if v := p.pool.Get(); v != nil {
		buf := *v.(*[]byte)
		if len(buf) == size {
			return buf
		}
	}
	return make([]byte, size)
}

func (p *framePool) Put(buf []byte) {
	p.mu.Lock()
	match := p.size == len(buf)
	p.mu.Unlock()
	if match {
		p.pool.Put(&buf)
	}
}
