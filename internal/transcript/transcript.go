// Package transcript records the lines exchanged with a backing process as a
// JSON-lines file: one header object, then one event array per line.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/remote-agent-terminal/stdio-gateway/internal/process"
)

const (
	// Version is the transcript format version written in the header.
	Version = 1

	// KindInput marks a line written to the process.
	KindInput = "i"

	// KindOutput marks a line read from the process.
	KindOutput = "o"

	fileExt = ".jsonl"
)

// ErrClosed is returned when writing to a closed recorder.
var ErrClosed = errors.New("transcript closed")

// Header is the first line of a transcript.
type Header struct {
	Version   int    `json:"version"`
	User      string `json:"user"`
	Session   string `json:"session"`
	Timestamp int64  `json:"timestamp"`
}

// Event is one recorded line.
// Format: [offset_seconds, kind, line]
type Event struct {
	Offset float64
	Kind   string
	Line   string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Kind, e.Line})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Offset); err != nil {
		return fmt.Errorf("invalid event offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Kind); err != nil {
		return fmt.Errorf("invalid event kind: %w", err)
	}
	if e.Kind != KindInput && e.Kind != KindOutput {
		return fmt.Errorf("invalid event kind %q", e.Kind)
	}
	if err := json.Unmarshal(arr[2], &e.Line); err != nil {
		return fmt.Errorf("invalid event line: %w", err)
	}
	return nil
}

// Recorder appends events to a transcript.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	path      string
	startTime time.Time

	mu     sync.Mutex
	closed bool
}

// Path returns the file name for a session's transcript in dir.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+fileExt)
}

// Create starts a transcript file for a session in dir, creating dir if needed.
func Create(dir, user, sessionID string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript dir: %w", err)
	}

	path := Path(dir, sessionID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	r := &Recorder{
		writer:    file,
		file:      file,
		path:      path,
		startTime: time.Now(),
	}
	if err := r.writeHeader(user, sessionID); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return r, nil
}

// NewWithWriter starts a transcript on w. The caller owns w.
func NewWithWriter(w io.Writer, user, sessionID string) (*Recorder, error) {
	r := &Recorder{
		writer:    w,
		startTime: time.Now(),
	}
	if err := r.writeHeader(user, sessionID); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(user, sessionID string) error {
	data, err := json.Marshal(Header{
		Version:   Version,
		User:      user,
		Session:   sessionID,
		Timestamp: r.startTime.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Input records a line written to the process.
func (r *Recorder) Input(line string) error {
	return r.writeEvent(KindInput, line)
}

// Output records a line read from the process.
func (r *Recorder) Output(line string) error {
	return r.writeEvent(KindOutput, line)
}

func (r *Recorder) writeEvent(kind, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	data, err := json.Marshal(Event{
		Offset: time.Since(r.startTime).Seconds(),
		Kind:   kind,
		Line:   line,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Path returns the transcript file, or "" for a writer-backed recorder.
func (r *Recorder) Path() string { return r.path }

// Close closes the transcript file. Later writes fail with ErrClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Read parses a transcript.
func Read(rd io.Reader) (Header, []Event, error) {
	var header Header

	scanner := bufio.NewScanner(rd)
	// Each event carries a line of up to process.MaxLineSize bytes, escaped.
	scanner.Buffer(make([]byte, 0, 64*1024), 2*process.MaxLineSize+1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return header, nil, fmt.Errorf("failed to read header: %w", err)
		}
		return header, nil, fmt.Errorf("failed to read header: %w", io.ErrUnexpectedEOF)
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return header, nil, fmt.Errorf("failed to parse header: %w", err)
	}

	var events []Event
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return header, events, fmt.Errorf("failed to parse event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return header, events, fmt.Errorf("failed to read events: %w", err)
	}
	return header, events, nil
}

// ReadFile parses the transcript at path.
func ReadFile(path string) (Header, []Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()
	return Read(f)
}
