package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remote-agent-terminal/stdio-gateway/internal/buffer"
)

const (
	// DefaultKillGrace is how long a terminated process may take to exit
	// before it is killed outright.
	DefaultKillGrace = 2 * time.Second

	// DefaultStderrTail is the number of diagnostic lines kept per process.
	DefaultStderrTail = 20

	// exitDrain is how long output may stay open after the main process exits.
	exitDrain = 500 * time.Millisecond
)

// Launcher spawns one OS process per session from a fixed entry point.
type Launcher struct {
	// Command is the executable to run.
	Command string

	// Args are passed to Command.
	Args []string

	// Dir is the working directory. Empty means the gateway's own.
	Dir string

	// Env is appended to the gateway's environment.
	Env []string

	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration

	// StderrTail is how many diagnostic lines are kept for exit reports.
	StderrTail int

	// Diagnostics receives the processes' stderr. Defaults to log.Default().
	Diagnostics *log.Logger
}

// Spawn starts the configured command with piped stdio.
func (l *Launcher) Spawn(ctx context.Context, opts SpawnOptions) (Adapter, error) {
	if l.Command == "" {
		return nil, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(append(os.Environ(), l.Env...), opts.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	// Start closes the parent ends of the pipes itself when it fails.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Command, err)
	}

	grace := l.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	tail := l.StderrTail
	if tail <= 0 {
		tail = DefaultStderrTail
	}
	diag := l.Diagnostics
	if diag == nil {
		diag = log.Default()
	}

	p := &execProcess{
		cmd:       cmd,
		stdin:     stdin,
		label:     opts.Label,
		diag:      diag,
		tail:      buffer.NewLineRing(tail),
		killGrace: grace,
		stdout:    stdout,
		stderr:    stderr,
		lines:     make(chan string),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	go p.run(stdout, stderr)

	return p, nil
}

// execProcess is an Adapter backed by an os/exec command.
type execProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	label     string
	diag      *log.Logger
	tail      *buffer.LineRing
	killGrace time.Duration

	stdout     io.ReadCloser
	stderr     io.ReadCloser
	outputOnce sync.Once

	lines    chan string
	stopping chan struct{}
	done     chan struct{}
	waitErr  error

	// writeMu serialises writes so each line reaches stdin whole and in order.
	writeMu     sync.Mutex
	inputClosed atomic.Bool

	killOnce sync.Once
	killed   atomic.Bool
	killErr  error
}

// run reaps the process and drains both output pipes. The exit is reported
// once the main process is gone; descendants still holding the pipes get
// exitDrain to finish writing before the group is stopped.
func (p *execProcess) run(stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		p.readStderr(stderr)
	}()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	state, err := p.cmd.Process.Wait()
	p.closeInput()
	p.waitErr = exitError(state, err)

	select {
	case <-drained:
	case <-time.After(exitDrain):
		p.diag.Printf("[%s] output still open after process %d exited, stopping its group", p.label, p.PID())
		p.stopGroup(drained)
	}
	p.closeOutput()

	if p.waitErr != nil && !p.killed.Load() {
		p.diag.Printf("[%s] process %d exited: %v", p.label, p.PID(), p.waitErr)
		for _, line := range p.tail.Lines() {
			p.diag.Printf("[%s]   stderr: %s", p.label, line)
		}
	}

	close(p.done)
}

// stopGroup signals what is left of the process group until the output
// readers finish, closing the pipes if it outlives SIGKILL too.
func (p *execProcess) stopGroup(drained <-chan struct{}) {
	terminate(p.cmd)
	select {
	case <-drained:
		return
	case <-time.After(p.killGrace):
	}

	forceKill(p.cmd)
	select {
	case <-drained:
		return
	case <-time.After(p.killGrace):
	}

	// A descendant left the group; the readers are unblocked by closing.
	p.closeOutput()
	<-drained
}

func (p *execProcess) closeOutput() {
	p.outputOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
	})
}

func exitError(state *os.ProcessState, err error) error {
	if err != nil {
		return fmt.Errorf("failed to wait for process: %w", err)
	}
	if !state.Success() {
		return &exec.ExitError{ProcessState: state}
	}
	return nil
}

// readStdout turns stdout into lines. After Kill it keeps reading and
// discarding so the process never blocks on a full pipe.
func (p *execProcess) readStdout(r io.Reader) {
	defer close(p.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), MaxLineSize)
	for scanner.Scan() {
		line, ok := normalizeLine(scanner.Text())
		if !ok {
			continue
		}
		select {
		case p.lines <- line:
		case <-p.stopping:
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.diag.Printf("[%s] stdout stream aborted: %v", p.label, err)
		go p.Kill()
		io.Copy(io.Discard, r)
	}
}

// readStderr forwards diagnostic output to the host log, never to the client.
func (p *execProcess) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), MaxLineSize)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		p.tail.Add(line)
		p.diag.Printf("[%s] %s", p.label, line)
	}
	if err := scanner.Err(); err != nil {
		io.Copy(io.Discard, r)
	}
}

// WriteLine writes text plus a newline to stdin.
func (p *execProcess) WriteLine(text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.inputClosed.Load() {
		return ErrWriteFailure
	}
	select {
	case <-p.done:
		return ErrWriteFailure
	default:
	}

	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

// closeInput closes stdin without waiting for an in-flight write; closing the
// pipe unblocks it.
func (p *execProcess) closeInput() {
	if p.inputClosed.CompareAndSwap(false, true) {
		p.stdin.Close()
	}
}

func (p *execProcess) Lines() <-chan string { return p.lines }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill sends SIGTERM to the process group and escalates to SIGKILL once the
// grace period passes. It does not wait for the exit; use Done for that.
func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		p.killed.Store(true)
		close(p.stopping)
		p.closeInput()

		select {
		case <-p.done:
			return
		default:
		}

		if err := terminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.killErr = fmt.Errorf("failed to terminate process %d: %w", p.PID(), err)
		}

		go func() {
			timer := time.NewTimer(p.killGrace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				if err := forceKill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
					p.diag.Printf("[%s] failed to kill process %d: %v", p.label, p.PID(), err)
				}
			}
		}()
	})
	return p.killErr
}
