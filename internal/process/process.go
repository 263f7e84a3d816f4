package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// Status is the processing state reported by the service.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusWaiting  Status = "WAITING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

var (
	// ErrInvalidState is returned for a status outside the known set.
	ErrInvalidState = errors.New("invalid process state")
	// ErrFailed matches the error of every failed process.
	ErrFailed = errors.New("process failed")
)

// Valid reports whether s is one of the five known states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusWaiting, StatusRunning, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ParseStatus validates a status string received from the service.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidState, s)
	}
	return status, nil
}

// ID identifies a process. The service issues numeric ids; callers may
// resume a process from its string form.
type ID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("process id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric ids as numbers.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// FailedError is the error carried by a process that reached FAILED.
type FailedError struct {
	ID ID
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("process#%s failed", e.ID)
}

func (e *FailedError) Is(target error) bool {
	return target == ErrFailed
}

// Snapshot is one status report for a process.
type Snapshot struct {
	Status  Status          `json:"status"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ChangeFunc is called with the new status, the previous status and the
// process on every accepted transition.
type ChangeFunc func(status, prev Status, p *Process)

// Process is a single transcription job. It is safe for concurrent use.
type Process struct {
	id      ID
	status  Status
	content json.RawMessage
	err     error

	onChange []ChangeFunc
	onDone   []func(p *Process)
	onError  []func(p *Process, err error)

	done chan struct{}
	mu   sync.RWMutex
}

// New returns a process in the CREATED state, either right after submission
// or to resume a job submitted earlier.
func New(id ID) *Process {
	return &Process{
		id:     id,
		status: StatusCreated,
		done:   make(chan struct{}),
	}
}

func (p *Process) ID() ID { return p.id }

// Status returns the last known status.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Content returns the payload of the last accepted transition.
func (p *Process) Content() json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.content
}

// Done reports whether the process is FINISHED or FAILED.
func (p *Process) Done() bool {
	return p.Status().Terminal()
}

// Err returns the *FailedError of a failed process and nil otherwise.
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// OnChange registers fn for every status transition.
func (p *Process) OnChange(fn ChangeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

// OnDone registers fn for the transition to FINISHED.
func (p *Process) OnDone(fn func(p *Process)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDone = append(p.onDone, fn)
}

// OnError registers fn for the transition to FAILED.
func (p *Process) OnError(fn func(p *Process, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = append(p.onError, fn)
}

// Update applies a status report. Reports repeating the current status and
// reports arriving after a terminal state are ignored.
func (p *Process) Update(s Snapshot) error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, s.Status)
	}

	p.mu.Lock()
	prev := p.status
	if s.Status == prev || prev.Terminal() {
		p.mu.Unlock()
		return nil
	}

	p.status = s.Status
	p.content = s.Content
	if s.Status == StatusFailed {
		p.err = &FailedError{ID: p.id}
	}
	if s.Status.Terminal() {
		close(p.done)
	}

	onChange := slices.Clone(p.onChange)
	onDone := slices.Clone(p.onDone)
	onError := slices.Clone(p.onError)
	err := p.err
	p.mu.Unlock()

	for _, fn := range onChange {
		fn(s.Status, prev, p)
	}

	switch s.Status {
	case StatusFinished:
		for _, fn := range onDone {
			fn(p)
		}
	case StatusFailed:
		for _, fn := range onError {
			fn(p, err)
		}
	}

	return nil
}

// Wait blocks until the process is done. It returns nil once FINISHED, the
// *FailedError once FAILED, or the context error.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
