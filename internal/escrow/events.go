package escrow

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// EventType tags one escrow state transition or fund movement.
type EventType string

const (
	EventCreated           EventType = "escrow_created"
	EventDeposited         EventType = "deposited"
	EventDeliveryConfirmed EventType = "delivery_confirmed"
	EventCancelRequested   EventType = "cancel_requested"
	EventCanceled          EventType = "canceled"
	EventRefundedByTimeout EventType = "refunded_by_timeout"
	EventDisputeStarted    EventType = "dispute_started"
	EventEvidenceSubmitted EventType = "evidence_submitted"
	EventDisputeResolved   EventType = "dispute_resolved"
)

// Event is the indexer-facing record of one transition. It carries enough to
// reconstruct escrow state without replaying full history: the escrow, the
// token, the amounts moved, and who acted.
type Event struct {
	ID       uint64    `json:"id"`
	Type     EventType `json:"type"`
	EscrowID uint64    `json:"escrowId"`
	State    State     `json:"state"`
	Actor    string    `json:"actor"`
	Token    string    `json:"token"`
	Amount   string    `json:"amount"`
	Fee      string    `json:"fee,omitempty"`
	Detail   string    `json:"detail,omitempty"` // evidence/resolution hash where relevant
	At       time.Time `json:"at"`
}

// Recorder persists events for external indexers.
type Recorder interface {
	Record(ctx context.Context, ev *Event) error
	ListByEscrow(ctx context.Context, escrowID uint64, limit int) ([]*Event, error)
}

// Notifier pushes events to live subscribers.
type Notifier interface {
	Broadcast(ev *Event)
}

// emit records and broadcasts one event. Recording is best-effort: the state
// transition already happened and must not be unwound over an indexing hiccup.
func (s *Service) emit(ctx context.Context, typ EventType, e *Escrow, actor, fee string) {
	if fee == "0" {
		fee = ""
	}
	ev := &Event{
		Type:     typ,
		EscrowID: e.ID,
		State:    e.State,
		Actor:    actor,
		Token:    e.Token,
		Amount:   e.Amount,
		Fee:      fee,
		At:       s.now(),
	}
	switch typ {
	case EventEvidenceSubmitted:
		if actor == e.Buyer {
			ev.Detail = e.BuyerEvidenceHash
		} else {
			ev.Detail = e.SellerEvidenceHash
		}
	case EventDisputeResolved:
		ev.Detail = e.ResolutionHash
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(typ)).Inc()
	if e.IsTerminal() {
		metrics.EscrowSettlementDuration.Observe(s.now().Sub(e.CreatedAt).Seconds())
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, ev); err != nil {
			s.logger.Warn("failed to record escrow event",
				"escrowId", e.ID, "type", string(typ), "error", err)
		}
	}
	if s.notifier != nil {
		s.notifier.Broadcast(ev)
	}
}

// Events returns the recorded history for one escrow, oldest first.
func (s *Service) Events(ctx context.Context, escrowID uint64, limit int) ([]*Event, error) {
	if s.recorder == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.recorder.ListByEscrow(ctx, escrowID, limit)
}
