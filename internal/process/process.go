// Package process spawns and owns backing processes that speak a
// line-delimited protocol over standard input and output.
package process

import (
	"context"
	"errors"
	"strings"
)

const (
	// MaxLineSize is the longest stdout line accepted from a backing process.
	MaxLineSize = 1024 * 1024

	// initialLineBuffer is the scanner's starting buffer size.
	initialLineBuffer = 64 * 1024
)

var (
	// ErrWriteFailure is returned by WriteLine when the process input is closed
	// or the process is gone.
	ErrWriteFailure = errors.New("process input is not writable")

	// ErrNoCommand is returned when a Launcher has no command configured.
	ErrNoCommand = errors.New("command is required")
)

// Adapter is one running backing process.
//
// Lines yields the process's stdout split on line boundaries with blank lines
// removed, in emission order, and is closed when stdout ends. It is consumed
// once; lines are not replayed. Done is closed after the process has exited,
// and always after Lines is closed.
type Adapter interface {
	// WriteLine appends a newline to text and writes it to the process input.
	WriteLine(text string) error

	// Lines returns the stdout line stream.
	Lines() <-chan string

	// Done returns a channel closed once the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error after Done is closed, nil before.
	Err() error

	// Kill requests termination. It is safe to call more than once and
	// concurrently; only the first call has an effect.
	Kill() error

	// PID returns the operating system process id, or 0 for in-process doubles.
	PID() int
}

// SpawnOptions are the per-session parameters of a spawn.
type SpawnOptions struct {
	// Label prefixes diagnostic output forwarded to the host log.
	Label string

	// Env holds extra KEY=VALUE entries appended to the launcher environment.
	Env []string
}

// Spawner starts backing processes.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Adapter, error)
}

// normalizeLine strips a trailing carriage return and reports whether the
// line carries anything besides whitespace.
func normalizeLine(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	return line, true
}

// SplitLines splits a chunk of output the same way a process's stdout is
// split: on newlines, dropping blank lines and trailing carriage returns.
func SplitLines(chunk string) []string {
	var out []string
	for _, raw := range strings.Split(chunk, "\n") {
		if line, ok := normalizeLine(raw); ok {
			out = append(out, line)
		}
	}
	return out
}
