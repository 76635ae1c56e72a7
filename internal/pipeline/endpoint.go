package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Endpoint is a shared output that any number of readers may subscribe to.
// Pipelines publish MPEG-TS to a multicast group; subscribers join with
// SO_REUSEADDR so a source can feed the compositor and several branches at once.
type Endpoint struct {
	Group string `json:"group"`
	Port  int    `json:"port"`
}

func (e Endpoint) IsZero() bool { return e.Port == 0 }

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Group, e.Port) }

// PublishURL is the URL a producer writes to.
func (e Endpoint) PublishURL() string {
	return fmt.Sprintf("udp://%s:%d?pkt_size=1316&ttl=0", e.Group, e.Port)
}

// SubscribeURL is the URL a consumer reads from. A positive timeout makes the
// reader give up when the producer has been silent that long.
func (e Endpoint) SubscribeURL(timeout time.Duration) string {
	u := fmt.Sprintf("udp://%s:%d?reuse=1&overrun_nonfatal=1&fifo_size=1000000", e.Group, e.Port)
	if timeout > 0 {
		u += fmt.Sprintf("&timeout=%d", timeout.Microseconds())
	}
	return u
}

// EndpointAllocator hands out ports from [base, base+size) in order. An owner
// keeps the same port for the process lifetime: sources are deactivated,
// never removed, so ports are never returned.
type EndpointAllocator struct {
	mu    sync.Mutex
	group string
	base  int
	size  int
	next  int
	owned map[string]int // owner → port
}

// NewEndpointAllocator returns an allocator for the given multicast group and port range.
func NewEndpointAllocator(group string, base, size int) *EndpointAllocator {
	return &EndpointAllocator{
		group: group,
		base:  base,
		size:  size,
		next:  base,
		owned: make(map[string]int),
	}
}

// Acquire returns owner's endpoint, allocating one on first use.
func (a *EndpointAllocator) Acquire(owner string) (Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.owned[owner]; ok {
		return Endpoint{Group: a.group, Port: p}, nil
	}
	if a.next >= a.base+a.size {
		return Endpoint{}, fmt.Errorf("endpoint range %d..%d exhausted", a.base, a.base+a.size-1)
	}
	p := a.next
	a.next++
	a.owned[owner] = p
	return Endpoint{Group: a.group, Port: p}, nil
}
