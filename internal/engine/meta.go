package engine

import (
	"encoding/json"
	"time"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// MetaVersion is the scheduling metadata encoding understood by this build.
const MetaVersion = 1

// Meta is the versioned scheduling blob stored opaquely on every run.
type Meta struct {
	V             int            `json:"v"`
	Payload       map[string]any `json:"payload"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	DLQ           bool           `json:"dlq"`
}

// NewMeta returns metadata for a freshly queued run, eligible at now.
func NewMeta(payload map[string]any, maxAttempts int, now time.Time) *Meta {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Meta{
		V:             MetaVersion,
		Payload:       payload,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now.UTC(),
	}
}

// Encode serializes the metadata for storage.
func (m *Meta) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "encode run metadata: %s", err.Error()).WithCause(err)
	}
	return string(b), nil
}

// Due reports whether the run may be claimed at now.
func (m *Meta) Due(now time.Time) bool {
	return !m.NextAttemptAt.After(now)
}

// DecodeMeta parses stored metadata. Any failure is POISONED_METADATA, which
// is never retryable: the blob will not decode on the next attempt either.
func DecodeMeta(raw string) (*Meta, error) {
	if raw == "" {
		return nil, poisoned("empty metadata", nil)
	}
	var m Meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, poisoned("undecodable metadata: "+err.Error(), err)
	}
	switch {
	case m.V != MetaVersion:
		return nil, poisoned("unsupported metadata version", nil)
	case m.MaxAttempts < 1:
		return nil, poisoned("max_attempts must be at least 1", nil)
	case m.Attempts < 0:
		return nil, poisoned("attempts must not be negative", nil)
	case m.NextAttemptAt.IsZero():
		return nil, poisoned("next_attempt_at missing", nil)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return &m, nil
}

func poisoned(msg string, cause error) error {
	e := schema.NewError(schema.ErrCodePoisonedMeta, msg)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}
