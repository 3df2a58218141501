// Package ipc implements the newline-delimited JSON protocol spoken between
// the host and a test worker process over the worker's stdin and stdout.
//
// Host to worker:
//
//	{"type":"init"}
//	{"type":"run","file":"test/foo.ts","class":12}
//
// Worker to host:
//
//	{"type":"ready"}
//	{"type":"initComplete"}
//	{"type":"test","phase":"before","test":{...}}
//	{"type":"runComplete","error":{"$":true,"message":"..."}}
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

// Message types exchanged during the handshake and runs.
const (
	TypeReady        = "ready"
	TypeInit         = "init"
	TypeInitComplete = "initComplete"
	TypeRun          = "run"
	TypeRunComplete  = string(types.EventRunComplete)
)

// MaxMessageSize bounds a single protocol line.
const MaxMessageSize = 16 * 1024 * 1024

// ErrMalformed is returned for lines that are not valid protocol messages.
var ErrMalformed = errors.New("malformed message")

// Command is a host to worker message.
type Command struct {
	Type string `json:"type"`
	File string `json:"file,omitempty"`
	// Class carries the selected line for run commands, 0 for the whole file.
	Class *int `json:"class,omitempty"`
}

// InitCommand asks a ready worker to initialise.
func InitCommand() Command {
	return Command{Type: TypeInit}
}

// RunCommand asks an idle worker to run file, narrowed to line when non-zero.
func RunCommand(file string, line int) Command {
	if line < 0 {
		line = 0
	}
	return Command{Type: TypeRun, File: file, Class: &line}
}

// Line returns the selected line of a run command.
func (c Command) Line() int {
	if c.Class == nil {
		return 0
	}
	return *c.Class
}

// IsControl reports whether a worker message belongs to the handshake
// rather than to a run.
func IsControl(msgType types.EventType) bool {
	return msgType == TypeReady || msgType == TypeInitComplete
}

// Encoder writes messages to a worker. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an encoder writing one JSON document per line to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Send writes v followed by a newline.
func (e *Encoder) Send(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Decoder reads worker messages line by line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next message. Blank lines are skipped. It returns io.EOF
// once the stream is exhausted, and an error wrapping ErrMalformed for a
// line that cannot be decoded; decoding may continue after ErrMalformed.
func (d *Decoder) Next() (*types.Event, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v: %q", ErrMalformed, err, truncate(line, 200))
		}
		if ev.Type == "" {
			return nil, fmt.Errorf("%w: missing type: %q", ErrMalformed, truncate(line, 200))
		}
		return &ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
