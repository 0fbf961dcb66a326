// ABOUTME: Decryption pipeline with bounded retry and graceful degradation
// ABOUTME: Classifies inbound events, tracks a failed-decryption backlog and dedupes key requests

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

// Placeholder is the body emitted for an event that could not be
// decrypted within the retry budget. It is always delivered with
// Decrypted=false so callers can tell it apart from real plaintext.
const Placeholder = "[undecryptable message]"

// DeliveredMessage is the pipeline's output. Encrypted records whether
// the event arrived encrypted; Decrypted whether ciphertext was actually
// decrypted. A plaintext message is therefore {false, false}, a decrypted
// one {true, true} and an abandoned placeholder {true, false}.
type DeliveredMessage struct {
	EventID   id.EventID `json:"id"`
	RoomID    id.RoomID  `json:"room_id"`
	Sender    id.UserID  `json:"sender"`
	Body      string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Encrypted bool       `json:"encrypted"`
	Decrypted bool       `json:"decrypted"`
}

// Sink receives delivered messages. Late retry successes arrive here
// out-of-band, after already-delivered events; they are never spliced
// back into history order.
type Sink func(msg *DeliveredMessage)

// failedDecryption is one backlog entry. Attempts only grows and is
// bounded by the pipeline's cap; inFlight serializes attempts so an
// event is delivered or abandoned exactly once.
type failedDecryption struct {
	event    *EncryptedMessage
	attempts int
	inFlight bool
}

// PipelineStats describes the backlog for diagnostics.
type PipelineStats struct {
	Backlog             int `json:"backlog"`
	OutstandingRequests int `json:"outstanding_key_requests"`
	Abandoned           int `json:"abandoned"`
}

// Pipeline runs every inbound event through the decrypt state machine:
// plaintext passes straight through, encrypted events are decrypted with
// the session state already installed in the client, and failures are
// retried up to the attempt cap while a deduplicated key request is
// outstanding for their session.
type Pipeline struct {
	client     Client
	sink       Sink
	attemptCap int
	logger     *slog.Logger

	mu        sync.Mutex
	backlog   map[id.EventID]*failedDecryption
	requested map[id.SessionID]string // session id -> outstanding key request id
	abandoned int
}

// NewPipeline creates a pipeline. attemptCap must be at least 1; the
// sink may be nil when only Resolve is used.
func NewPipeline(client Client, attemptCap int, sink Sink, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:     client,
		sink:       sink,
		attemptCap: attemptCap,
		logger:     logger.With("component", "pipeline"),
		backlog:    make(map[id.EventID]*failedDecryption),
		requested:  make(map[id.SessionID]string),
	}
}

// Handle processes one inbound stream event and emits the outcome to
// the sink. Events that stay pending (awaiting key material) emit
// nothing yet; each encrypted failure spends one retry attempt.
func (p *Pipeline) Handle(ctx context.Context, evt Event) {
	var msg *DeliveredMessage
	switch e := evt.(type) {
	case *PlaintextMessage:
		msg = passthrough(e)
	case *EncryptedMessage:
		msg = p.attempt(ctx, e)
	case *OtherEvent:
		p.logger.Debug("ignoring event", "type", e.Type, "event_id", e.EventID)
	}
	if msg != nil && p.sink != nil {
		p.sink(msg)
	}
}

// Resolve processes one event from a history read and returns the
// outcome, or nil for events that produce no message (unhandled types,
// or encrypted events still awaiting key material). Unlike Handle it
// never spends retry attempts: only the stream, key arrival and the
// periodic sweep consume the backlog budget.
func (p *Pipeline) Resolve(ctx context.Context, evt Event) *DeliveredMessage {
	switch e := evt.(type) {
	case *PlaintextMessage:
		return passthrough(e)
	case *EncryptedMessage:
		return p.peek(ctx, e)
	case *OtherEvent:
		p.logger.Debug("ignoring event", "type", e.Type, "event_id", e.EventID)
		return nil
	default:
		return nil
	}
}

func passthrough(e *PlaintextMessage) *DeliveredMessage {
	return &DeliveredMessage{
		EventID:   e.EventID,
		RoomID:    e.RoomID,
		Sender:    e.Sender,
		Body:      e.Body,
		Timestamp: e.Timestamp,
	}
}

// attempt runs one decryption attempt for an encrypted event,
// incrementing its attempt counter first. On success the backlog entry
// and the session's outstanding key request are cleared; on failure the
// event either waits for key material or, at the cap, is abandoned with
// a placeholder.
func (p *Pipeline) attempt(ctx context.Context, evt *EncryptedMessage) *DeliveredMessage {
	p.mu.Lock()
	entry, ok := p.backlog[evt.EventID]
	if !ok {
		entry = &failedDecryption{event: evt}
		p.backlog[evt.EventID] = entry
	}
	if entry.inFlight {
		// A concurrent attempt owns this event and will deliver or
		// abandon it.
		p.mu.Unlock()
		return nil
	}
	entry.inFlight = true
	entry.attempts++
	attempts := entry.attempts
	p.mu.Unlock()

	decrypted, err := p.client.DecryptEvent(ctx, evt)
	if err == nil {
		p.mu.Lock()
		delete(p.backlog, evt.EventID)
		delete(p.requested, evt.SessionID)
		p.mu.Unlock()

		if attempts > 1 {
			p.logger.Info("decrypted on retry", "event_id", evt.EventID, "attempts", attempts)
		}
		return &DeliveredMessage{
			EventID:   evt.EventID,
			RoomID:    evt.RoomID,
			Sender:    evt.Sender,
			Body:      decrypted.Body,
			Timestamp: evt.Timestamp,
			Encrypted: true,
			Decrypted: true,
		}
	}

	if attempts >= p.attemptCap {
		p.mu.Lock()
		delete(p.backlog, evt.EventID)
		delete(p.requested, evt.SessionID)
		p.abandoned++
		p.mu.Unlock()

		p.logger.Warn("abandoning undecryptable event",
			"event_id", evt.EventID, "session_id", evt.SessionID, "attempts", attempts, "error", err)
		return &DeliveredMessage{
			EventID:   evt.EventID,
			RoomID:    evt.RoomID,
			Sender:    evt.Sender,
			Body:      Placeholder,
			Timestamp: evt.Timestamp,
			Encrypted: true,
			Decrypted: false,
		}
	}

	p.mu.Lock()
	entry.inFlight = false
	p.mu.Unlock()

	p.logger.Warn("decryption failed, awaiting key",
		"event_id", evt.EventID, "session_id", evt.SessionID, "attempt", attempts, "error", err)
	p.requestKey(ctx, evt)
	return nil
}

// peek resolves an encrypted event for a history read without spending
// its retry budget. Events already in the backlog are skipped until
// their key arrives; a first sighting is registered with zero attempts
// and gets a key request, so repeated history polls can never abandon
// an event whose key may still arrive.
func (p *Pipeline) peek(ctx context.Context, evt *EncryptedMessage) *DeliveredMessage {
	p.mu.Lock()
	if _, pending := p.backlog[evt.EventID]; pending {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	decrypted, err := p.client.DecryptEvent(ctx, evt)
	if err == nil {
		p.mu.Lock()
		delete(p.requested, evt.SessionID)
		p.mu.Unlock()
		return &DeliveredMessage{
			EventID:   evt.EventID,
			RoomID:    evt.RoomID,
			Sender:    evt.Sender,
			Body:      decrypted.Body,
			Timestamp: evt.Timestamp,
			Encrypted: true,
			Decrypted: true,
		}
	}

	p.mu.Lock()
	if _, pending := p.backlog[evt.EventID]; !pending {
		p.backlog[evt.EventID] = &failedDecryption{event: evt}
	}
	p.mu.Unlock()

	p.logger.Debug("history event awaiting key",
		"event_id", evt.EventID, "session_id", evt.SessionID, "error", err)
	p.requestKey(ctx, evt)
	return nil
}

// requestKey issues a key request for the event's session unless one is
// already outstanding.
func (p *Pipeline) requestKey(ctx context.Context, evt *EncryptedMessage) {
	p.mu.Lock()
	if _, outstanding := p.requested[evt.SessionID]; outstanding {
		p.mu.Unlock()
		return
	}
	requestID := uuid.NewString()
	p.requested[evt.SessionID] = requestID
	p.mu.Unlock()

	if err := p.client.RequestSessionKey(ctx, evt.RoomID, evt.SenderKey, evt.SessionID, requestID); err != nil {
		p.logger.Warn("key request failed", "session_id", evt.SessionID, "error", err)
		p.mu.Lock()
		delete(p.requested, evt.SessionID)
		p.mu.Unlock()
		return
	}
	p.logger.Debug("requested session key", "session_id", evt.SessionID, "request_id", requestID)
}

// RetrySession retries just the backlog entries referencing the given
// session, typically because key material for it arrived. The session's
// outstanding key request is considered fulfilled.
func (p *Pipeline) RetrySession(ctx context.Context, sessionID id.SessionID) {
	p.mu.Lock()
	delete(p.requested, sessionID)
	var pending []*EncryptedMessage
	for _, entry := range p.backlog {
		if entry.event.SessionID == sessionID {
			pending = append(pending, entry.event)
		}
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	p.logger.Info("retrying backlog for session", "session_id", sessionID, "events", len(pending))
	for _, evt := range pending {
		p.Handle(ctx, evt)
	}
}

// Sweep retries every backlog entry. Called periodically, decoupled
// from the stream-sync interval.
func (p *Pipeline) Sweep(ctx context.Context) {
	p.mu.Lock()
	pending := make([]*EncryptedMessage, 0, len(p.backlog))
	for _, entry := range p.backlog {
		pending = append(pending, entry.event)
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	p.logger.Debug("retry sweep", "backlog", len(pending))
	for _, evt := range pending {
		p.Handle(ctx, evt)
	}
}

// BacklogSize returns the number of events awaiting key material.
func (p *Pipeline) BacklogSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Stats snapshots backlog counters for diagnostics.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineStats{
		Backlog:             len(p.backlog),
		OutstandingRequests: len(p.requested),
		Abandoned:           p.abandoned,
	}
}
