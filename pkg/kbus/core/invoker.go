package core

import "sync"

// Invoker spawns and tracks supervised goroutines, the same small
// abstraction the teacher's core.Invoker gives its Peer: callers never
// call `go` directly, so every background goroutine a Switch or
// Bridge starts can be waited on during shutdown.
type Invoker interface {
	Spawn(f func())
	Stop()
}

type waitGroupInvoker struct {
	group sync.WaitGroup
}

// NewInvoker returns the default Invoker, backed by a sync.WaitGroup.
func NewInvoker() Invoker {
	return &waitGroupInvoker{}
}

func (w *waitGroupInvoker) Spawn(f func()) {
	w.group.Add(1)
	go func() {
		defer w.group.Done()
		f()
	}()
}

func (w *waitGroupInvoker) Stop() {
	w.group.Wait()
}
