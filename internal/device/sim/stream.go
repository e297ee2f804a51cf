package sim

import "sync"

type op struct {
	fn func() error
	// always ops run even after an earlier op failed, so that events
	// recorded behind a failure still complete.
	always bool
}

// stream executes queued ops in order on one goroutine. The first failure is
// kept and returned by the next sync; ops queued behind it are skipped.
type stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []op
	pending int
	err     error
	closed  bool
}

func newStream() *stream {
	s := &stream{}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *stream) run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			return
		}
		next := s.queue[0]
		s.queue[0] = op{}
		s.queue = s.queue[1:]
		skip := s.err != nil && !next.always
		s.mu.Unlock()

		var err error
		if !skip {
			err = next.fn()
		}

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.pending--
		s.cond.Broadcast()
	}
}

func (s *stream) enqueue(fn func() error, always bool) {
	s.mu.Lock()
	s.queue = append(s.queue, op{fn: fn, always: always})
	s.pending++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// sync waits for every queued op and returns and clears the sticky error.
func (s *stream) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// close stops the worker once the queue drains.
func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// event tracks record generations: recorded is bumped when a record is
// queued, done when the stream reaches it.
type event struct {
	mu       sync.Mutex
	cond     *sync.Cond
	recorded uint64
	done     uint64
}

func newEvent() *event {
	e := &event{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *event) record(s *stream) {
	e.mu.Lock()
	e.recorded++
	gen := e.recorded
	e.mu.Unlock()
	s.enqueue(func() error {
		e.mu.Lock()
		if e.done < gen {
			e.done = gen
		}
		e.cond.Broadcast()
		e.mu.Unlock()
		return nil
	}, true)
}

// waitFor blocks until the record generation gen has completed.
func (e *event) waitFor(gen uint64) {
	e.mu.Lock()
	for e.done < gen {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// target is the generation a wait issued now must observe. An event that was
// never recorded is complete.
func (e *event) target() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorded
}
