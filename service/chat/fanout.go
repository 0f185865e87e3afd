package chat

import (
	"sync"

	"MChat/logger"
)

type fanoutJob struct {
	conns   []*Conn
	payload []byte
}

// Fanout is the delivery worker pool. Per-connection delivery is
// non-blocking: a full queue means the client is too slow and the frame
// is dropped for that connection only; it will catch up from the store
// on reconnect. A failure on one connection never aborts the rest.
type Fanout struct {
	jobs      chan fanoutJob
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewFanout(workers, queue int) *Fanout {
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for job := range f.jobs {
		for _, c := range job.conns {
			f.deliver(c, job.payload)
		}
	}
}

// deliver pushes one payload into one connection's queue. The recover
// shields the pool from a queue that was torn down mid-broadcast.
func (f *Fanout) deliver(c *Conn, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("[fanout] delivery to closed conn %s skipped", c.ID)
		}
	}()
	select {
	case c.Send <- payload:
	default:
		logger.Warnf("[fanout] slow conn %s, frame dropped", c.ID)
	}
}

func (f *Fanout) Broadcast(conns []*Conn, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}

func (f *Fanout) Close() {
	f.closeOnce.Do(func() {
		close(f.jobs)
		f.wg.Wait()
	})
}
