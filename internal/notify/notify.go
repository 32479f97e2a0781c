package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Scope selects what an event's Key identifies.
type Scope string

const (
	// ScopeSession events are keyed by the guest session token.
	ScopeSession Scope = "session"
	ScopeOrder   Scope = "order"
	ScopeBranch  Scope = "branch"
)

// Event types.
const (
	ServerCallResponse = "serverCallResponse"
	BillReady          = "billReady"
	PaymentConfirmed   = "paymentConfirmed"
	SessionExpiring    = "sessionExpiring"
	SessionExpired     = "sessionExpired"
	Notification       = "notification"
	OrderStatusUpdated = "orderStatusUpdated"
	OrderConfirmed     = "orderConfirmed"
	OrderPreparing     = "orderPreparing"
	OrderReady         = "orderReady"
	OrderServed        = "orderServed"
	ServerCalled       = "serverCalled"
	BillRequested      = "billRequested"
)

type Event struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Scope Scope          `json:"scope"`
	Key   string         `json:"-"`
	Data  map[string]any `json:"data,omitempty"`
	At    time.Time      `json:"at"`
}

// PublicKey returns Key unless it is a session token, which never leaves the guest channel.
func (e Event) PublicKey() string {
	if e.Scope == ScopeSession {
		return ""
	}
	return e.Key
}

// Sink delivers events to an outside transport.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// LogSink writes every event to the process log.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Publish(_ context.Context, evt Event) error {
	if s.Log == nil {
		return nil
	}
	fields := logrus.Fields{"event": evt.Type, "scope": evt.Scope}
	if k := evt.PublicKey(); k != "" {
		fields["key"] = k
	}
	if id, ok := evt.Data["session_id"]; ok {
		fields["session_id"] = id
	}
	s.Log.WithFields(fields).Info("notification")
	return nil
}
