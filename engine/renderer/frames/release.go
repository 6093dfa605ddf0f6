package frames

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type retired struct {
	value     uint64
	releasers []driver.Releaser
}

// ReleaseQueue defers Release until the GPU passed a fence value. Entries
// are retired in non decreasing value order and released in that order.
type ReleaseQueue struct {
	mu    sync.Mutex
	queue *containers.RingQueue[retired]
	last  uint64
}

func NewReleaseQueue() *ReleaseQueue {
	return &ReleaseQueue{queue: containers.NewRingQueue[retired](16, true)}
}

// Retire schedules releasers for release once value completed.
func (rq *ReleaseQueue) Retire(value uint64, releasers ...driver.Releaser) error {
	if len(releasers) == 0 {
		return nil
	}
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if value < rq.last {
		return fmt.Errorf("retire at fence value %d after %d", value, rq.last)
	}
	rq.last = value
	return rq.queue.Enqueue(retired{value: value, releasers: releasers})
}

// Collect releases every entry retired at or below completed and returns
// how many objects were released.
func (rq *ReleaseQueue) Collect(completed uint64) int {
	rq.mu.Lock()
	var ready []retired
	for {
		head, err := rq.queue.Peek()
		if err != nil || head.value > completed {
			break
		}
		_, _ = rq.queue.Dequeue()
		ready = append(ready, head)
	}
	rq.mu.Unlock()
	return release(ready)
}

// Flush releases everything. Callers drain the GPU first.
func (rq *ReleaseQueue) Flush() int {
	rq.mu.Lock()
	var ready []retired
	for !rq.queue.IsEmpty() {
		r, _ := rq.queue.Dequeue()
		ready = append(ready, r)
	}
	rq.mu.Unlock()
	return release(ready)
}

func (rq *ReleaseQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.queue.Len()
}

func release(entries []retired) int {
	n := 0
	for _, e := range entries {
		for _, r := range e.releasers {
			r.Release()
			n++
		}
	}
	return n
}
