// Package scheduler fires timed session events.
//
// Every timer is registered under a session id so that all timers of a
// session can be cancelled together when it is finalized or abandoned.
// Repeating reminders run on a cron scheduler; one-shot deadlines use
// time.AfterFunc.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type sessionTimers struct {
	entries []cron.EntryID
	timers  map[int64]*time.Timer
}

// Scheduler provides per-session timers.
type Scheduler struct {
	cron *cron.Cron

	mu       sync.Mutex
	sessions map[string]*sessionTimers
	nextID   int64
	stopped  bool
	inflight sync.WaitGroup
}

// NewScheduler creates and starts a scheduler.
func NewScheduler() *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, sessions: make(map[string]*sessionTimers)}
}

func (s *Scheduler) timersFor(sessionID string) *sessionTimers {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionTimers{timers: make(map[int64]*time.Timer)}
		s.sessions[sessionID] = st
	}
	return st
}

// ScheduleRepeating runs fn every interval until the session is cancelled.
// Intervals below one second are rounded up to one second.
func (s *Scheduler) ScheduleRepeating(sessionID string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %v", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler: stopped")
	}
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
	st := s.timersFor(sessionID)
	st.entries = append(st.entries, id)
	slog.Debug("Scheduler.ScheduleRepeating", "sessionID", sessionID, "interval", interval, "entryID", id)
	return nil
}

// ScheduleOnce runs fn once after delay. A non-positive delay fires immediately.
func (s *Scheduler) ScheduleOnce(sessionID string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler: stopped")
	}
	if delay < 0 {
		delay = 0
	}
	s.nextID++
	id := s.nextID
	st := s.timersFor(sessionID)
	st.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if cur, ok := s.sessions[sessionID]; !ok || cur.timers[id] == nil {
			// Cancelled after the timer fired but before this callback ran.
			s.mu.Unlock()
			return
		}
		delete(st.timers, id)
		s.dropIfEmpty(sessionID)
		s.inflight.Add(1)
		s.mu.Unlock()

		defer s.inflight.Done()
		slog.Debug("Scheduler.ScheduleOnce: firing", "sessionID", sessionID)
		fn()
	})
	slog.Debug("Scheduler.ScheduleOnce", "sessionID", sessionID, "delay", delay)
	return nil
}

func (s *Scheduler) dropIfEmpty(sessionID string) {
	st, ok := s.sessions[sessionID]
	if ok && len(st.entries) == 0 && len(st.timers) == 0 {
		delete(s.sessions, sessionID)
	}
}

// CancelAll stops every timer of sessionID and returns how many were stopped.
// Callbacks already running are not interrupted.
func (s *Scheduler) CancelAll(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range st.entries {
		s.cron.Remove(id)
		n++
	}
	for _, t := range st.timers {
		t.Stop()
		n++
	}
	delete(s.sessions, sessionID)
	slog.Debug("Scheduler.CancelAll", "sessionID", sessionID, "cancelled", n)
	return n
}

// Pending returns the number of timers registered for sessionID.
func (s *Scheduler) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.entries) + len(st.timers)
}

// Stop cancels every timer and waits for running callbacks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, st := range s.sessions {
		for _, t := range st.timers {
			t.Stop()
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.inflight.Wait()
	slog.Info("Scheduler.Stop: stopped")
}
