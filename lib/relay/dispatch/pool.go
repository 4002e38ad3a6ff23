package dispatch

import "sync"

// workerPool runs frame handling off the dispatcher loop. Jobs for one
// endpoint always land on the same worker, so a device's commands are
// processed in arrival order without any per-endpoint bookkeeping.
type workerPool struct {
	shards []chan func()
	wg     sync.WaitGroup
}

func newWorkerPool(workers, depth int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	p := &workerPool{shards: make([]chan func(), workers)}
	for i := range p.shards {
		ch := make(chan func(), depth)
		p.shards[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range ch {
				runJob(job)
			}
		}()
	}
	return p
}

func runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("worker recovered from panic")
		}
	}()
	job()
}

// Submit queues one job on the shard owning key. Blocks when that shard's
// backlog is full, which backpressures the dispatcher loop.
func (p *workerPool) Submit(key int64, job func()) {
	shard := int(uint64(key) % uint64(len(p.shards)))
	p.shards[shard] <- job
}

// Stop drains every shard and waits for the workers to exit.
func (p *workerPool) Stop() {
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
}
