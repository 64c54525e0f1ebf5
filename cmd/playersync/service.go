package main

import (
	"context"
	"sync"
)

// runningSession is what both session.Server and session.Client offer the
// lifecycle.
type runningSession interface {
	Stop()
	Done() <-chan struct{}
}

// sessionService opens a session on Start. It is a server.Finisher so a
// client dropped by its server ends the process.
type sessionService struct {
	open func() (runningSession, error)

	mu   sync.Mutex
	sess runningSession
}

func (s *sessionService) Start(context.Context) error {
	sess, err := s.open()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	return nil
}

func (s *sessionService) Stop() {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// Done blocks forever until the session has been opened.
func (s *sessionService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess.Done()
}

// operator returns the hosting server once it is open, or nil.
func (s *sessionService) operator() operator {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, _ := s.sess.(operator)
	return op
}
