package idlez

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"sync"

	"github.com/zoobzio/clockz"
)

// ID widths in bytes. Trace IDs are 128-bit and span IDs 64-bit so they map
// directly onto zipkin's model.
const (
	traceIDBytes = 16
	spanIDBytes  = 8
)

// IDPool hands out pre-generated IDs so span creation does not pay for
// crypto/rand on the hot path.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool(capacity int, factory func() string) *IDPool {
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.factory()
	}
}

// refill keeps the pool topped up until Close.
func (p *IDPool) refill() {
	for {
		select {
		case p.ids <- p.factory():
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine. Get keeps working by generating directly.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}

// hexIDFactory returns a generator of random hex IDs of the given width.
// If crypto/rand fails the ID is derived from the clock instead, padded to
// the same width.
func hexIDFactory(width int, clock clockz.Clock) func() string {
	return func() string {
		bytes := make([]byte, width)
		if _, err := rand.Read(bytes); err != nil {
			nanos := uint64(clock.Now().UnixNano())
			for i := range bytes {
				bytes[len(bytes)-1-i] = byte(nanos >> (8 * (i % 8)))
			}
		}
		return hex.EncodeToString(bytes)
	}
}

// idSource owns the trace and span ID pools of a tracer.
type idSource struct {
	traces *IDPool
	spans  *IDPool
}

func newIDSource(clock clockz.Clock) *idSource {
	// Pool size based on number of CPUs for optimal contention balance.
	size := runtime.NumCPU() * 100
	if clock == nil {
		clock = clockz.RealClock
	}
	return &idSource{
		traces: NewIDPool(size, hexIDFactory(traceIDBytes, clock)),
		spans:  NewIDPool(size, hexIDFactory(spanIDBytes, clock)),
	}
}

func (s *idSource) close() {
	s.traces.Close()
	s.spans.Close()
}
