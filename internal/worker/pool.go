package worker

import (
	"context"
	"sync"

	"marketchat-ws/internal/logger"
)

// Task is one unit of work for the pool.
type Task func()

// Pool is a fixed-size worker pool with a bounded queue. Push delivery
// runs here so a slow provider backs up this queue, never the gateway.
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logger.ILogger
}

func NewPool(workers, queueSize int, log logger.ILogger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("WorkerPool", "Worker pool started", map[string]interface{}{
		"workers":    workers,
		"queue_size": queueSize,
	})

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error("WorkerPool", "Task panic recovered", map[string]interface{}{
							"worker_id": id,
							"panic":     r,
						})
					}
				}()
				task()
			}()
		}
	}
}

// Submit blocks until the task is queued or the pool is shut down.
func (p *Pool) Submit(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.taskQueue <- task:
		return true
	}
}

// Shutdown waits for in-flight tasks to finish.
func (p *Pool) Shutdown() {
	p.cancel()
	close(p.taskQueue)
	p.wg.Wait()
	p.logger.Info("WorkerPool", "Worker pool shutdown completed", nil)
}
