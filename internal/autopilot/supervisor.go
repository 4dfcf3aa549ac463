package autopilot

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
)

// supervisor runs background tasks, recovering panics and tracking them for shutdown
type supervisor struct {
	wg     sync.WaitGroup
	logger *logging.Logger

	mu     sync.Mutex
	active int
}

func newSupervisor(logger *logging.Logger) *supervisor {
	return &supervisor{logger: logger}
}

// Go runs fn in its own goroutine
func (s *supervisor) Go(name string, fn func()) {
	s.wg.Add(1)
	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Recovered panic in background task",
					"task", name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
			}
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			s.wg.Done()
		}()
		fn()
	}()
}

// Active returns the number of running tasks
func (s *supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wait blocks until every task finished or timeout elapsed. A zero timeout waits forever.
func (s *supervisor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
