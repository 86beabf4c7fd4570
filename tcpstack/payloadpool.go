package tcpstack

import "sync"

// payloadPool recycles the byte buffers the dispatch loop reads datagrams
// into. It is the sync.Pool-based replacement for the teacher's
// github.com/Clouded-Sabre/ringpool-backed Pool (lib/pool.go,
// lib/pcpcore.go: "Pool = rp.NewRingPool(...)"): ringpool's fixed-capacity
// ring has no equivalent in the standard library, and no other pack
// example pulls in a third-party object-pool package, so sync.Pool is the
// grounded stdlib stand-in (documented in DESIGN.md). PayloadPoolSize
// becomes a warm-up count rather than a hard ring capacity, since
// sync.Pool has no fixed size of its own.
type payloadPool struct {
	pool *sync.Pool
	size int
}

func newPayloadPool(bufSize, warm int) *payloadPool {
	if bufSize <= 0 {
		bufSize = maxChunkSize
	}
	p := &payloadPool{
		size: bufSize,
		pool: &sync.Pool{
			New: func() any {
				return make([]byte, bufSize)
			},
		},
	}
	for i := 0; i < warm; i++ {
		p.pool.Put(make([]byte, bufSize))
	}
	return p
}

func (p *payloadPool) get() []byte {
	return p.pool.Get().([]byte)
}

func (p *payloadPool) put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.pool.Put(buf[:p.size])
}
