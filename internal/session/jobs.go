package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/inukshuk/artimi/internal/process"
)

// MinPollDelay is the shortest pause the poll loop sleeps for. Remaining
// delays below it are skipped.
const MinPollDelay = 5 * time.Millisecond

// JobConfig selects the models used for a process.
type JobConfig struct {
	TextRecognition *TextRecognition `json:"textRecognition,omitempty"`
	LineDetection   *LineDetection   `json:"lineDetection,omitempty"`
}

// TextRecognition selects the HTR model.
type TextRecognition struct {
	HTRID int `json:"htrId"`
}

// LineDetection selects a custom line detection model.
type LineDetection struct {
	ModelID int `json:"modelId"`
}

type submission struct {
	Config JobConfig      `json:"config"`
	Image  json.Marshaler `json:"image"`
}

// Submit posts an image for processing and returns the new process in the
// CREATED state. The image must marshal to {"base64": ...} or
// {"imageUrl": ...}.
func (s *Session) Submit(ctx context.Context, image json.Marshaler, cfg JobConfig) (*process.Process, error) {
	body, err := json.Marshal(submission{Config: cfg, Image: image})
	if err != nil {
		return nil, fmt.Errorf("failed to encode process request: %w", err)
	}

	resp, err := s.Request(ctx, http.MethodPost, s.config.ProcessingURL+"/processes", bytes.NewReader(body),
		WithHeader("Content-Type", "application/json"),
	)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var created struct {
		ProcessID process.ID `json:"processId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to parse process response: %w", err)
	}
	if created.ProcessID == "" {
		return nil, fmt.Errorf("process response without processId")
	}

	s.metrics.RecordProcessSubmitted()
	s.logger.Info("Process submitted", slog.String("process_id", created.ProcessID.String()))

	return process.New(created.ProcessID), nil
}

// Update fetches the current status of p and applies it.
func (s *Session) Update(ctx context.Context, p *process.Process) (*process.Process, error) {
	resp, err := s.Request(ctx, http.MethodGet, s.processURL(p.ID()), nil)
	if err != nil {
		return p, err
	}
	defer resp.Body.Close()

	var snapshot process.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return p, fmt.Errorf("failed to parse process status: %w", err)
	}

	prev := p.Status()
	if err := p.Update(snapshot); err != nil {
		return p, err
	}

	if status := p.Status(); status != prev {
		s.metrics.RecordProcessTransition(string(status))
		s.logger.Debug("Process status changed",
			slog.String("process_id", p.ID().String()),
			slog.String("status", string(status)),
			slog.String("previous", string(prev)),
		)
	}

	return p, nil
}

// Status resumes a process from its id and fetches its current status.
func (s *Session) Status(ctx context.Context, id process.ID) (*process.Process, error) {
	return s.Update(ctx, process.New(id))
}

type pollOptions struct {
	interval   time.Duration
	maxRetries int
}

// PollOption customizes Poll and Alto.
type PollOption func(*pollOptions)

// WithInterval overrides the configured poll period.
func WithInterval(d time.Duration) PollOption {
	return func(o *pollOptions) {
		o.interval = d
	}
}

// WithMaxRetries overrides the number of consecutive failed status requests
// the poll loop tolerates.
func WithMaxRetries(n int) PollOption {
	return func(o *pollOptions) {
		o.maxRetries = n
	}
}

// Poll updates p every interval until it is done. Failed status requests
// are retried; more than maxRetries consecutive failures return the last
// error. An unknown status is returned immediately. Cancelling ctx ends the
// loop with an error matching ErrCancelled. A process that ends FAILED is
// returned without error; see p.Err.
func (s *Session) Poll(ctx context.Context, p *process.Process, opts ...PollOption) (*process.Process, error) {
	o := pollOptions{
		interval:   s.config.Interval,
		maxRetries: s.config.MaxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}

	retries := 0
	for !p.Done() {
		if ctx.Err() != nil {
			return p, cancelled(ctx)
		}

		start := s.clock.Now()
		_, err := s.Update(ctx, p)
		s.metrics.RecordPollIteration(err != nil)

		if err != nil {
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				return p, cancelled(ctx)
			}
			if errors.Is(err, process.ErrInvalidState) {
				return p, err
			}

			retries++
			if retries > o.maxRetries {
				s.logger.Error("Polling aborted",
					slog.String("process_id", p.ID().String()),
					slog.Int("retries", retries),
					slog.String("error", err.Error()),
				)
				return p, err
			}

			s.logger.Warn("Status request failed, retrying",
				slog.String("process_id", p.ID().String()),
				slog.Int("retry", retries),
				slog.String("error", err.Error()),
			)
		} else {
			retries = 0
		}

		if p.Done() {
			break
		}

		if delay := o.interval - s.clock.Since(start); delay >= MinPollDelay {
			if err := s.sleep(ctx, delay); err != nil {
				return p, err
			}
		}
	}

	s.logger.Info("Process done",
		slog.String("process_id", p.ID().String()),
		slog.String("status", string(p.Status())),
	)

	return p, nil
}

// Alto returns the ALTO XML of p, polling it to completion first when
// necessary. A failed process returns its *process.FailedError.
func (s *Session) Alto(ctx context.Context, p *process.Process, opts ...PollOption) (string, error) {
	if !p.Done() {
		if _, err := s.Poll(ctx, p, opts...); err != nil {
			return "", err
		}
	}

	if err := p.Err(); err != nil {
		return "", err
	}

	resp, err := s.Request(ctx, http.MethodGet, s.processURL(p.ID())+"/alto", nil,
		WithHeader("Accept", "application/xml"),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read alto response: %w", err)
	}

	return string(data), nil
}

func (s *Session) processURL(id process.ID) string {
	return s.config.ProcessingURL + "/processes/" + url.PathEscape(id.String())
}
