package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	SaleCreated       = "sale_created"
	SaleVoided        = "sale_voided"
	CashSessionOpened = "cash_session_opened"
	CashSessionClosed = "cash_session_closed"
	StockAdjusted     = "stock_adjusted"
)

// Event is emitted after the owning transaction has committed.
type Event struct {
	Action     string
	Actor      string
	EntityType string
	EntityID   string
	At         time.Time
	Fields     map[string]string
}

// Sink receives audit events. Storage and querying belong to the implementation.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, event Event) {
	fields := make([]zap.Field, 0, len(event.Fields)+5)
	fields = append(fields,
		zap.String("action", event.Action),
		zap.String("actor", event.Actor),
		zap.String("entity_type", event.EntityType),
		zap.String("entity_id", event.EntityID),
		zap.Time("at", event.At),
	)
	for k, v := range event.Fields {
		fields = append(fields, zap.String(k, v))
	}
	s.log.Info("audit event", fields...)
}

// MemorySink keeps events in order; used by tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}
