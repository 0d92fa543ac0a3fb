// Package dlq provides the shared helper both the alerter and forwarder use
// to dead-letter a message, keeping the DLQ entry shape and queue-naming
// convention in one place.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/muttpipeline/mutt/internal/events"
	"github.com/muttpipeline/mutt/internal/queue"
)

// Reason enumerates why a message ended up in the DLQ, matching the
// original_event wrapper fields operators query against when triaging.
type Reason string

const (
	ReasonValidation    Reason = "validation"
	ReasonRetryExhausted Reason = "retry_exhausted"
	ReasonPoison4xx     Reason = "poison_4xx"
	ReasonShed          Reason = "shed"
)

// Writer appends DLQ entries for a single role (alerter or forwarder),
// named "dlq:<role>" per the queue-naming convention.
type Writer struct {
	q    *queue.Queue
	name string
}

// NewWriter builds a Writer targeting "dlq:<role>".
func NewWriter(q *queue.Queue, role string) *Writer {
	return &Writer{q: q, name: fmt.Sprintf("dlq:%s", role)}
}

// QueueName returns the underlying DLQ list name.
func (w *Writer) QueueName() string { return w.name }

// Write wraps payload as a DLQEntry and appends it to the DLQ.
func (w *Writer) Write(ctx context.Context, originalQueue, payload, correlationID string, reason Reason, attempts int) error {
	entry := &events.DLQEntry{
		OriginalQueue: originalQueue,
		Reason:        string(reason),
		FailedAt:      time.Now().UTC(),
		Attempts:      attempts,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	return w.q.Push(ctx, w.name, events.WrapDLQ(entry))
}
