package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalHandler cancels its context on SIGINT or SIGTERM. The chat loop
// scopes one to each turn so an interrupt aborts the stream, not the shell.
type SignalHandler struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sigChan  chan os.Signal
	wg       sync.WaitGroup
	received bool
	mu       sync.Mutex
}

func NewSignalHandler(ctx context.Context) *SignalHandler {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	return &SignalHandler{
		ctx:     ctx,
		cancel:  cancel,
		sigChan: sigChan,
	}
}

func (s *SignalHandler) Context() context.Context {
	return s.ctx
}

func (s *SignalHandler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.sigChan:
			s.mu.Lock()
			s.received = true
			s.mu.Unlock()
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
}

// Interrupted reports whether a signal cancelled the context.
func (s *SignalHandler) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Stop releases the signal subscription and waits for the watcher to exit.
func (s *SignalHandler) Stop() {
	signal.Stop(s.sigChan)
	s.cancel()
	s.wg.Wait()
}
