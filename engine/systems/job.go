package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
)

// JobTask is one unit of work. Run is required; the callbacks are optional
// and run on the worker after Run returns.
type JobTask struct {
	Run        func() error
	OnComplete func()
	OnFailure  func(err error)
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
	}
	js.start()
	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				if err := job.Run(); err != nil {
					if job.OnFailure != nil {
						job.OnFailure(err)
					} else {
						core.LogError(err.Error())
					}
					continue
				}
				if job.OnComplete != nil {
					job.OnComplete()
				}
			}
		}()
	}
}

func (js *JobSystem) Workers() int {
	return js.numWorkers
}

/**
 * @brief Shuts the job system down. Queued jobs still run.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()
	js.wg.Wait()
	return nil
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while
 * the queue is full.
 */
func (js *JobSystem) Submit(jt JobTask) error {
	if jt.Run == nil {
		return fmt.Errorf("job without a Run function")
	}
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- jt
	return nil
}

// RunBatch runs every task on the pool and waits for all of them. It
// returns the first failure. Must not be called from a worker.
func (js *JobSystem) RunBatch(tasks []func() error) error {
	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for _, task := range tasks {
		wg.Add(1)
		err := js.Submit(JobTask{
			Run:        task,
			OnComplete: wg.Done,
			OnFailure: func(err error) {
				once.Do(func() { first = err })
				wg.Done()
			},
		})
		if err != nil {
			wg.Done()
			once.Do(func() { first = err })
			break
		}
	}
	wg.Wait()
	return first
}
