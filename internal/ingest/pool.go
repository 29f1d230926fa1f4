package ingest

import (
	"hash/fnv"
	"sync"
)

// Pool runs jobs across a fixed set of lanes. A job's key pins it to one
// lane, so jobs sharing a key execute serially in submission order while
// unrelated keys proceed in parallel. The kafka source keys by
// topic/partition, the rabbitmq source by routing key and the socket by room.
type Pool struct {
	lanes []chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts lane goroutines immediately. depth bounds how many jobs
// one lane may hold before Submit blocks or Offer refuses.
func NewPool(lanes, depth int) *Pool {
	if lanes < 1 {
		lanes = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &Pool{lanes: make([]chan func(), lanes)}
	for i := range p.lanes {
		lane := make(chan func(), depth)
		p.lanes[i] = lane
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range lane {
				job()
			}
		}()
	}
	return p
}

func (p *Pool) lane(key string) chan func() {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return p.lanes[h.Sum64()%uint64(len(p.lanes))]
}

// Submit queues a job on the key's lane, blocking while the lane is full.
func (p *Pool) Submit(key string, job func()) {
	p.lane(key) <- job
}

// Offer queues a job only if the key's lane has room.
func (p *Pool) Offer(key string, job func()) bool {
	select {
	case p.lane(key) <- job:
		return true
	default:
		return false
	}
}

// Backlog counts queued jobs not yet picked up by a lane.
func (p *Pool) Backlog() int {
	n := 0
	for _, lane := range p.lanes {
		n += len(lane)
	}
	return n
}

// Shutdown drains queued jobs and waits for the lanes to exit. Callers
// must stop submitting before calling it.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		for _, lane := range p.lanes {
			close(lane)
		}
	})
	p.wg.Wait()
}
