package server

import (
	"context"
	"strings"
	"time"

	"github.com/petal-labs/flowrun/core"
)

// track observes the session rooted at rootID in the background until the
// root and its children are done. It reports false when there is no
// observer. Tracking an already tracked session is a no-op.
func (s *Server) track(rootID string) bool {
	id := strings.TrimSpace(rootID)
	if id == "" || s.observer == nil {
		return false
	}
	s.sessionsMu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.sessionsMu.Unlock()
		return true
	}
	wake := make(chan struct{}, 1)
	s.sessions[id] = wake
	s.sessionsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(id, wake)
		s.observe(id, wake)
	}()
	return true
}

func (s *Server) observe(rootID string, wake <-chan struct{}) {
	for {
		res, err := s.observer.Run(s.ctx, rootID)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("observing session failed", "run_id", rootID, "error", err)
			}
			return
		}
		if res.Waiting == nil && res.Status.Terminal() {
			s.observer.Forget(rootID)
			s.logger.Info("session finished",
				"run_id", rootID,
				"status", res.Status,
				"events", res.Events,
				"duration_ms", res.Duration.Milliseconds(),
			)
			return
		}
		if res.Waiting != nil {
			s.logger.Debug("session waiting on user",
				"run_id", rootID,
				"waiting_run_id", res.WaitingRunID,
				"wait_key", res.Waiting.WaitKey,
			)
		}

		timer := time.NewTimer(s.rewatch)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Server) untrack(rootID string, wake chan struct{}) {
	s.sessionsMu.Lock()
	if s.sessions[rootID] == wake {
		delete(s.sessions, rootID)
	}
	s.sessionsMu.Unlock()
}

func (s *Server) isTracked(runID string) bool {
	id := strings.TrimSpace(runID)
	if id == "" {
		return false
	}
	s.sessionsMu.Lock()
	_, ok := s.sessions[id]
	s.sessionsMu.Unlock()
	return ok
}

// wake nudges the session containing runID after a command was accepted
// for it. A session that is not tracked, for example after a restart, is
// picked up again unless its root is already terminal.
func (s *Server) wake(ctx context.Context, runID string) {
	if s.observer == nil {
		return
	}
	root, err := s.rootOf(ctx, runID)
	if err != nil {
		s.logger.Warn("resolving session root failed", "run_id", runID, "error", err)
		return
	}

	s.sessionsMu.Lock()
	ch, ok := s.sessions[root.RunID]
	s.sessionsMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		return
	}
	if !root.Status.Terminal() {
		s.track(root.RunID)
	}
}

func (s *Server) rootOf(ctx context.Context, runID string) (*core.RunState, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	for run.ParentRunID != "" {
		parent, err := s.runs.Get(ctx, run.ParentRunID)
		if err != nil {
			return nil, err
		}
		run = parent
	}
	return run, nil
}
