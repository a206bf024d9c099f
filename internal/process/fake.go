package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrKilled is the exit error reported by a Fake that was killed.
var ErrKilled = errors.New("killed")

// Fake is an in-process Adapter. Tests drive its output with Emit and end it
// with Exit; everything written to it is recorded.
type Fake struct {
	label string

	lines    chan string
	stopping chan struct{}
	done     chan struct{}
	exitErr  error

	// emitMu keeps Emit from racing the close of lines.
	emitMu      sync.Mutex
	linesClosed bool

	mu          sync.Mutex
	written     []string
	writeErr    error
	inputClosed bool

	stopOnce   sync.Once
	finishOnce sync.Once
	killCalls  atomic.Int32
	killErr    error
}

// NewFake creates a running Fake.
func NewFake(label string) *Fake {
	return &Fake{
		label:    label,
		lines:    make(chan string),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Label returns the label the Fake was spawned with.
func (f *Fake) Label() string { return f.label }

// Emit writes chunk to the fake stdout. It blocks until every resulting line
// has been consumed, or the Fake was killed.
func (f *Fake) Emit(chunk string) {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	if f.linesClosed {
		return
	}
	for _, line := range SplitLines(chunk) {
		select {
		case f.lines <- line:
		case <-f.stopping:
			return
		}
	}
}

// Exit ends the fake process with err as its exit error. Call it only after
// any pending Emit has returned.
func (f *Fake) Exit(err error) {
	f.finish(err)
}

// FailWrites makes every later WriteLine fail with err.
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// SetKillError makes Kill report err. It must be called before Kill.
func (f *Fake) SetKillError(err error) {
	f.killErr = err
}

// Written returns the lines written so far, without terminators.
func (f *Fake) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

// KillCalls returns how many times Kill was called.
func (f *Fake) KillCalls() int {
	return int(f.killCalls.Load())
}

func (f *Fake) WriteLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inputClosed {
		return ErrWriteFailure
	}
	select {
	case <-f.done:
		return ErrWriteFailure
	default:
	}
	if f.writeErr != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, f.writeErr)
	}
	f.written = append(f.written, text)
	return nil
}

func (f *Fake) Lines() <-chan string { return f.lines }

func (f *Fake) Done() <-chan struct{} { return f.done }

func (f *Fake) Err() error {
	select {
	case <-f.done:
		return f.exitErr
	default:
		return nil
	}
}

func (f *Fake) PID() int { return 0 }

// Kill stops the Fake as if the process had been terminated.
func (f *Fake) Kill() error {
	f.killCalls.Add(1)
	f.stopOnce.Do(func() { close(f.stopping) })
	f.finish(ErrKilled)
	return f.killErr
}

func (f *Fake) finish(err error) {
	f.finishOnce.Do(func() {
		f.emitMu.Lock()
		f.linesClosed = true
		close(f.lines)
		f.emitMu.Unlock()

		f.mu.Lock()
		f.inputClosed = true
		f.mu.Unlock()

		f.exitErr = err
		close(f.done)
	})
}

// FakeLauncher is a Spawner producing Fakes.
type FakeLauncher struct {
	mu      sync.Mutex
	spawned []*Fake
	err     error
	spawns  chan *Fake
}

// NewFakeLauncher creates a FakeLauncher. Every spawned Fake is also sent on
// Spawns if a receiver is ready or the buffer has room.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{spawns: make(chan *Fake, 16)}
}

// FailSpawns makes later spawns fail with err; nil restores success.
func (l *FakeLauncher) FailSpawns(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *FakeLauncher) Spawn(ctx context.Context, opts SpawnOptions) (Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}
	f := NewFake(opts.Label)
	l.spawned = append(l.spawned, f)
	select {
	case l.spawns <- f:
	default:
	}
	return f, nil
}

// Spawns delivers Fakes as they are spawned.
func (l *FakeLauncher) Spawns() <-chan *Fake { return l.spawns }

// Spawned returns every Fake spawned so far.
func (l *FakeLauncher) Spawned() []*Fake {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Fake, len(l.spawned))
	copy(out, l.spawned)
	return out
}

// Last returns the most recently spawned Fake, or nil.
func (l *FakeLauncher) Last() *Fake {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.spawned) == 0 {
		return nil
	}
	return l.spawned[len(l.spawned)-1]
}
