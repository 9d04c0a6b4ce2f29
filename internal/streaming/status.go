package streaming

import (
	"context"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Default streamer timings.
const (
	DefaultStreamInterval = 2 * time.Second
	DefaultStreamCap      = 5 * time.Minute
)

// Frame is one pushed snapshot of a run.
type Frame struct {
	Run  *store.RunDetail `json:"run"`
	Live bool             `json:"live"`
}

// EndReason says why a stream closed.
type EndReason string

const (
	EndTerminal   EndReason = "terminal"
	EndCap        EndReason = "cap"
	EndOutOfScope EndReason = "out_of_scope"
	EndGone       EndReason = "gone"
	EndClient     EndReason = "client"
)

// RunSource loads a run with its children.
type RunSource interface {
	GetRunDetail(ctx context.Context, id string) (*store.RunDetail, error)
}

// ScopeCheck reports whether the caller may still see run. It is called on
// every tick so revoked access closes an open stream.
type ScopeCheck func(ctx context.Context, run *store.Run) (bool, error)

// StatusStreamer pushes full run snapshots until the run is terminal, the
// caller loses access, or the hard cap elapses.
type StatusStreamer struct {
	source   RunSource
	interval time.Duration
	cap      time.Duration
}

// NewStatusStreamer creates a streamer. Zero durations take the defaults.
func NewStatusStreamer(source RunSource, interval, cap time.Duration) *StatusStreamer {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	if cap <= 0 {
		cap = DefaultStreamCap
	}
	return &StatusStreamer{source: source, interval: interval, cap: cap}
}

// Stream emits frames for runID. A run that is missing or out of scope at
// open time yields a NOT_FOUND error and no frames. Emit errors end the
// stream with EndClient.
func (s *StatusStreamer) Stream(ctx context.Context, runID string, inScope ScopeCheck, emit func(Frame) error) (EndReason, error) {
	detail, visible, err := s.fetch(ctx, runID, inScope)
	if err != nil {
		return "", err
	}
	if !visible {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}

	live := !detail.Status.IsTerminal()
	if err := emit(Frame{Run: detail, Live: live}); err != nil {
		return EndClient, nil
	}
	if !live {
		return EndTerminal, nil
	}

	deadline := time.NewTimer(s.cap)
	defer deadline.Stop()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return EndClient, nil
		case <-deadline.C:
			return EndCap, nil
		case <-ticker.C:
		}

		detail, visible, err := s.fetch(ctx, runID, inScope)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				return EndGone, nil
			}
			if ctx.Err() != nil {
				return EndClient, nil
			}
			return "", err
		}
		if !visible {
			return EndOutOfScope, nil
		}

		live := !detail.Status.IsTerminal()
		if err := emit(Frame{Run: detail, Live: live}); err != nil {
			return EndClient, nil
		}
		if !live {
			return EndTerminal, nil
		}
	}
}

func (s *StatusStreamer) fetch(ctx context.Context, runID string, inScope ScopeCheck) (*store.RunDetail, bool, error) {
	detail, err := s.source.GetRunDetail(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if inScope == nil {
		return detail, true, nil
	}
	ok, err := inScope(ctx, detail.Run)
	if err != nil {
		return nil, false, err
	}
	return detail, ok, nil
}
