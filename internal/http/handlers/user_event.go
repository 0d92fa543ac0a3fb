package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/muttpipeline/mutt/internal/events"
	"github.com/muttpipeline/mutt/internal/http/response"
	"github.com/muttpipeline/mutt/internal/metrics"
	"github.com/muttpipeline/mutt/internal/pipelineerr"
	"github.com/muttpipeline/mutt/internal/platform/ctxutil"
	"github.com/muttpipeline/mutt/internal/queue"
)

const maxIngestBodyBytes = 1 << 20 // 1 MiB

// ingestEventRequest is the wire shape accepted by POST /api/v2/ingest.
// Timestamp, Message, and Hostname are required; everything else is
// optional and carried through to the queue unchanged.
type ingestEventRequest struct {
	Timestamp      time.Time         `json:"timestamp"`
	Message        string            `json:"message"`
	Hostname       string            `json:"hostname"`
	SyslogSeverity *int              `json:"syslog_severity,omitempty"`
	TrapOID        string            `json:"trap_oid,omitempty"`
	Extension      map[string]string `json:"extension,omitempty"`
}

// EventHandler implements the Ingestor's single write path: admit an event
// onto ingest_queue, applying backpressure before accepting the body.
type EventHandler struct {
	q              *queue.Queue
	ingestQueue    string
	admissionLimit int64
	m              *metrics.Registry
}

// NewEventHandler builds an EventHandler that pushes onto ingestQueue,
// rejecting new events once its depth reaches admissionLimit.
func NewEventHandler(q *queue.Queue, ingestQueue string, admissionLimit int64, m *metrics.Registry) *EventHandler {
	return &EventHandler{q: q, ingestQueue: ingestQueue, admissionLimit: admissionLimit, m: m}
}

// Ingest handles POST /api/v2/ingest (and its /api/v1/ingest alias).
func (h *EventHandler) Ingest(c *gin.Context) {
	ctx := c.Request.Context()

	if h.admissionLimit > 0 {
		depth, err := h.q.Len(ctx, h.ingestQueue)
		if err != nil {
			response.RespondError(c, http.StatusServiceUnavailable, "queue_unavailable", err)
			return
		}
		if depth >= h.admissionLimit {
			h.reject(c, "queue_full")
			response.RespondError(c, http.StatusServiceUnavailable, "queue_full", nil)
			return
		}
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBodyBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.reject(c, "body_too_large")
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	var req ingestEventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.reject(c, "invalid_json")
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}

	correlationID := ""
	if td := ctxutil.GetTraceData(ctx); td != nil {
		correlationID = td.TraceID
	}
	ev := &events.Event{
		Timestamp:      req.Timestamp,
		Message:        req.Message,
		Hostname:       req.Hostname,
		SyslogSeverity: req.SyslogSeverity,
		TrapOID:        req.TrapOID,
		Extension:      req.Extension,
	}
	if err := ev.Validate(); err != nil {
		h.reject(c, "validation")
		response.RespondError(c, http.StatusBadRequest, "validation_failed", &pipelineerr.ValidationError{Field: "event", Msg: err.Error()})
		return
	}
	ev.Stamp(correlationID)

	if err := h.push(ctx, ev); err != nil {
		h.reject(c, "enqueue_failed")
		response.RespondError(c, http.StatusServiceUnavailable, "enqueue_failed", err)
		return
	}

	if h.m != nil {
		h.m.IngestRequestsTotal.WithLabelValues("accepted", "ok").Inc()
	}
	queueDepth, err := h.q.Len(ctx, h.ingestQueue)
	if err != nil {
		queueDepth = 0
	} else if h.m != nil {
		h.m.IngestQueueDepth.Set(float64(queueDepth))
	}
	response.RespondOK(c, gin.H{
		"status":         "queued",
		"correlation_id": ev.CorrelationID,
		"queue_depth":    queueDepth,
	})
}

func (h *EventHandler) push(ctx context.Context, ev *events.Event) error {
	return h.q.Push(ctx, h.ingestQueue, events.WrapEvent(ev))
}

func (h *EventHandler) reject(c *gin.Context, reason string) {
	c.Set("ingest_reject_reason", reason)
	if h.m != nil {
		h.m.IngestRequestsTotal.WithLabelValues("rejected", reason).Inc()
	}
}
