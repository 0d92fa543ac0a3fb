// Package events defines the wire-level event model shared by the ingestor,
// alerter, and forwarder, along with the self-describing envelope used to
// move both events and DLQ entries through the same Redis list without a
// second queue implementation.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/muttpipeline/mutt/internal/pkg/errors"
)

// Event is a single unit of work ingested through POST /api/v2/ingest.
// Timestamp, Message, and Hostname are the only required fields; everything
// else, including arbitrary extension attributes, is carried opaquely.
type Event struct {
	Timestamp      time.Time         `json:"timestamp"`
	Message        string            `json:"message"`
	Hostname       string            `json:"hostname"`
	SyslogSeverity *int              `json:"syslog_severity,omitempty"`
	TrapOID        string            `json:"trap_oid,omitempty"`
	Extension      map[string]string `json:"extension,omitempty"`

	CorrelationID string    `json:"correlation_id"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// Validate enforces the minimal shape required for an event to be admitted
// to the queue. Anything that fails here is a poison message, not a
// transient one: retrying does not make a missing hostname appear.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("nil event: %w", pkgerrors.ErrInvalidArgument)
	}
	if e.Hostname == "" {
		return fmt.Errorf("hostname is required: %w", pkgerrors.ErrInvalidArgument)
	}
	if e.Message == "" {
		return fmt.Errorf("message is required: %w", pkgerrors.ErrInvalidArgument)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required: %w", pkgerrors.ErrInvalidArgument)
	}
	if e.SyslogSeverity != nil && (*e.SyslogSeverity < 0 || *e.SyslogSeverity > 7) {
		return fmt.Errorf("syslog_severity must be 0-7: %w", pkgerrors.ErrInvalidArgument)
	}
	return nil
}

// Severity renders the event's severity as a string for keying counters and
// metric labels, defaulting to "unknown" when syslog_severity was omitted.
func (e *Event) Severity() string {
	if e.SyslogSeverity == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *e.SyslogSeverity)
}

// Stamp assigns a correlation ID (if the caller didn't supply one on the
// wire) and the ingested_at timestamp. It is called exactly once, by the
// ingestor, at admission time.
func (e *Event) Stamp(correlationID string) {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	e.CorrelationID = correlationID
	e.IngestedAt = time.Now().UTC()
}

// Alert is the forward-ready record the Alerter pushes onto alert_queue and
// the Forwarder eventually posts to the external webhook.
type Alert struct {
	CorrelationID  string    `json:"correlation_id"`
	Hostname       string    `json:"hostname"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Team           string    `json:"team"`
	MatchedRuleID  string    `json:"matched_rule_id,omitempty"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// EnvelopeType discriminates the payload carried by an Envelope.
type EnvelopeType string

const (
	EnvelopeEvent    EnvelopeType = "event"
	EnvelopeAlert    EnvelopeType = "alert"
	EnvelopeDLQEntry EnvelopeType = "dlq_entry"
)

// Envelope is the self-describing JSON wrapper written to every Redis list
// the pipeline touches (ingest_queue, alert_queue, and the DLQs).
// The type discriminator lets a single queue.Queue implementation move
// live events, alerts, and DLQ entries without a parallel code path.
type Envelope struct {
	Type  EnvelopeType    `json:"type"`
	Event *Event          `json:"event,omitempty"`
	Alert *Alert          `json:"alert,omitempty"`
	DLQ   *DLQEntry       `json:"dlq_entry,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// DLQEntry records why and when a message was dead-lettered, alongside the
// original payload so it can be replayed without loss of fidelity.
type DLQEntry struct {
	OriginalQueue string    `json:"original_queue"`
	Reason        string    `json:"reason"`
	FailedAt      time.Time `json:"failed_at"`
	Attempts      int       `json:"attempts"`
	CorrelationID string    `json:"correlation_id"`
	Payload       string    `json:"payload"`
}

// WrapEvent produces the envelope used when pushing an event onto a queue.
func WrapEvent(e *Event) *Envelope {
	return &Envelope{Type: EnvelopeEvent, Event: e}
}

// WrapAlert produces the envelope used when pushing an alert onto alert_queue.
func WrapAlert(a *Alert) *Envelope {
	return &Envelope{Type: EnvelopeAlert, Alert: a}
}

// WrapDLQ produces the envelope used when pushing a dead-lettered message.
func WrapDLQ(d *DLQEntry) *Envelope {
	return &Envelope{Type: EnvelopeDLQEntry, DLQ: d}
}

// Marshal serializes the envelope for storage in a Redis list.
func (e *Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal parses a raw queue payload back into an Envelope, preserving the
// exact bytes so a message that fails processing can be requeued or
// dead-lettered byte-for-byte identical to what was read.
func Unmarshal(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("events: unmarshal envelope: %w", err)
	}
	env.Raw = json.RawMessage(raw)
	return &env, nil
}
