// Package events publishes recommendation outcomes to downstream systems
// (an append-only JSONL file, CRM webhooks) without blocking requests.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/store"
)

// SchemaVersion is bumped on incompatible payload changes.
const SchemaVersion = "1"

// Type names what happened.
type Type string

const (
	TypeCreated Type = "recommendation.created"
	TypeFailed  Type = "recommendation.failed"
)

// ErrorInfo describes a failed recommendation.
type ErrorInfo struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

// Event is the payload every sink receives. Applicant attributes are
// deliberately absent; consumers fetch the submission through the API.
type Event struct {
	Version      string              `json:"version"`
	ID           string              `json:"id"`
	Type         Type                `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	ClientID     string              `json:"client_id"`
	SubmissionID string              `json:"submission_id,omitempty"`
	Decision     *insurance.Decision `json:"decision,omitempty"`
	Error        *ErrorInfo          `json:"error,omitempty"`
	LatencyMs    float64             `json:"latency_ms"`
}

// Created builds the event for a stored submission.
func Created(sub store.Submission, latency time.Duration) *Event {
	d := sub.Decision
	return &Event{
		Version:      SchemaVersion,
		ID:           uuid.NewString(),
		Type:         TypeCreated,
		Timestamp:    time.Now().UTC(),
		ClientID:     sub.ClientID,
		SubmissionID: sub.ID,
		Decision:     &d,
		LatencyMs:    durationMillis(latency),
	}
}

// Failed builds the event for a recommendation that could not be produced.
func Failed(clientID, errType, model string, latency time.Duration) *Event {
	return &Event{
		Version:   SchemaVersion,
		ID:        uuid.NewString(),
		Type:      TypeFailed,
		Timestamp: time.Now().UTC(),
		ClientID:  clientID,
		Error:     &ErrorInfo{Type: errType, Model: model},
		LatencyMs: durationMillis(latency),
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
