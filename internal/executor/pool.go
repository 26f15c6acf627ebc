package executor

import (
	"time"

	"github.com/seantiz/kiln/internal/sandbox"
)

// Pool defaults.
const (
	DefaultMaxIdlePerCode = 8
	DefaultIdleTTL        = 5 * time.Minute
)

type idleInstance struct {
	inst  *sandbox.Instance
	since time.Time
}

// InstancePool holds idle instances grouped by code id. It is not safe for
// concurrent use; the dispatch goroutine owns it.
type InstancePool struct {
	maxIdle int
	ttl     time.Duration
	idle    map[string][]idleInstance // oldest first
	n       int
}

// NewInstancePool creates a pool keeping at most maxIdle instances per code
// id, each for at most ttl.
func NewInstancePool(maxIdle int, ttl time.Duration) *InstancePool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdlePerCode
	}
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &InstancePool{
		maxIdle: maxIdle,
		ttl:     ttl,
		idle:    make(map[string][]idleInstance),
	}
}

// Take removes and returns the first idle instance for codeID, or nil.
func (p *InstancePool) Take(codeID string) *sandbox.Instance {
	list := p.idle[codeID]
	if len(list) == 0 {
		return nil
	}
	inst := list[0].inst
	if len(list) == 1 {
		delete(p.idle, codeID)
	} else {
		p.idle[codeID] = list[1:]
	}
	p.n--
	return inst
}

// Put adds inst to the pool. When the code id is already at capacity the
// oldest idle instance is removed and returned so the caller can close it.
func (p *InstancePool) Put(inst *sandbox.Instance, now time.Time) (evicted *sandbox.Instance) {
	list := append(p.idle[inst.CodeID], idleInstance{inst: inst, since: now})
	p.n++
	if len(list) > p.maxIdle {
		evicted = list[0].inst
		list = list[1:]
		p.n--
	}
	p.idle[inst.CodeID] = list
	return evicted
}

// Sweep removes instances idle for longer than the TTL.
func (p *InstancePool) Sweep(now time.Time) []*sandbox.Instance {
	var expired []*sandbox.Instance
	for codeID, list := range p.idle {
		i := 0
		for i < len(list) && now.Sub(list[i].since) > p.ttl {
			expired = append(expired, list[i].inst)
			i++
		}
		switch {
		case i == len(list):
			delete(p.idle, codeID)
		case i > 0:
			p.idle[codeID] = list[i:]
		}
		p.n -= i
	}
	return expired
}

// Evict removes every idle instance of codeID.
func (p *InstancePool) Evict(codeID string) []*sandbox.Instance {
	list := p.idle[codeID]
	delete(p.idle, codeID)
	p.n -= len(list)
	out := make([]*sandbox.Instance, len(list))
	for i, it := range list {
		out[i] = it.inst
	}
	return out
}

// Drain removes every idle instance.
func (p *InstancePool) Drain() []*sandbox.Instance {
	var out []*sandbox.Instance
	for codeID := range p.idle {
		out = append(out, p.Evict(codeID)...)
	}
	return out
}

// Len returns the number of idle instances.
func (p *InstancePool) Len() int {
	return p.n
}

// LenFor returns the number of idle instances for codeID.
func (p *InstancePool) LenFor(codeID string) int {
	return len(p.idle[codeID])
}
