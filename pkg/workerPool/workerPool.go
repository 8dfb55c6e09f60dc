// Package workerpool runs tasks on a fixed set of
// goroutines. Tasks are grouped into Rooms; a Room's
// Collect blocks until every task submitted to it has
// finished and returns all results.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("workerpool: pool closed")

// ErrQueueFull is returned by TrySubmit when the global
// queue has no free slot.
var ErrQueueFull = errors.New("workerpool: global buffer is full")

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups the tasks of one fan-out so they can be
// collected together.
type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
	closeOnce  sync.Once
}

type Task struct {
	run  func() interface{}
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	wp.wg.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

// WorkerCount returns the number of worker goroutines.
func (wp *WorkerPool) WorkerCount() int {
	return wp.config.WorkerCount
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops accepting tasks, lets queued tasks finish
// and waits for the workers to exit.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.taskQueue)
	wp.mu.Unlock()
	wp.wg.Wait()
}

// CreateRoom returns a Room able to buffer size results
// without blocking the workers.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// Submit queues job, waiting for a free slot in the
// global buffer.
func (ro *Room) Submit(job func() interface{}) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrClosed
	}
	ro.wg.Add(1)
	ro.wp.taskQueue <- Task{run: job, room: ro}
	return nil
}

// TrySubmit queues job only if the global buffer and the
// room buffer both have room.
func (ro *Room) TrySubmit(job func() interface{}) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrQueueFull
	}
	if len(ro.resultChan) == cap(ro.resultChan) {
		return errors.New("workerpool: room buffer is full")
	}
	return ro.Submit(job)
}

// Collect waits for every submitted task and returns the
// results in completion order. A Room is collected once.
func (ro *Room) Collect() []interface{} {
	go ro.waitAndClose()
	results := make([]interface{}, 0, cap(ro.resultChan))
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}
