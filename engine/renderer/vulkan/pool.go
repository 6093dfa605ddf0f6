package vulkan

import "sync"

type lockGroup string

// Objects Vulkan requires to be externally synchronized.
const (
	queueManagement      lockGroup = "queue_management"
	pipelineManagement   lockGroup = "pipeline_management"
	renderpassManagement lockGroup = "renderpass_management"
)

// lockPool hands out one mutex per group, created on first use.
type lockPool struct {
	mu    sync.Mutex
	locks map[lockGroup]*sync.Mutex
}

func newLockPool() *lockPool {
	return &lockPool{locks: make(map[lockGroup]*sync.Mutex)}
}

func (p *lockPool) lock(group lockGroup) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[group]
	if !ok {
		l = &sync.Mutex{}
		p.locks[group] = l
	}
	return l
}

// safeCall runs fn holding the mutex of group.
func (p *lockPool) safeCall(group lockGroup, fn func() error) error {
	l := p.lock(group)
	l.Lock()
	defer l.Unlock()
	return fn()
}
