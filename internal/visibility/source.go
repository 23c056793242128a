package visibility

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Source delivers visibility-regain notifications. Listen calls fn on every
// regain until stop is called; stop returns only after fn can no longer run.
type Source interface {
	Listen(fn func()) (stop func())
}

// SignalSource treats SIGCONT (resume after suspend) and SIGUSR1 (operator
// poke) as the process becoming visible again.
type SignalSource struct{}

// RegainSignals are the signals SignalSource listens to.
var RegainSignals = []os.Signal{syscall.SIGCONT, syscall.SIGUSR1}

func (SignalSource) Listen(fn func()) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, RegainSignals...)
	return pump(ch, fn, func() { signal.Stop(ch) })
}

// ChanSource turns sends on C into regain notifications.
type ChanSource struct {
	C <-chan struct{}
}

func (s ChanSource) Listen(fn func()) func() {
	return pump(s.C, fn, nil)
}

func pump[T any](ch <-chan T, fn func(), release func()) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			if release != nil {
				release()
			}
			close(done)
			wg.Wait()
		})
	}
}
