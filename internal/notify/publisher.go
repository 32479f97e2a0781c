package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tableside/internal/metrics"
)

const publishTimeout = 5 * time.Second

// Publisher stamps events and sends them to a Sink. Failures are logged and
// counted, never returned.
type Publisher struct {
	Sink    Sink
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func (p Publisher) Publish(ctx context.Context, typ string, scope Scope, key string, data map[string]any) {
	if p.Sink == nil {
		return
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	evt := Event{ID: uuid.NewString(), Type: typ, Scope: scope, Key: key, Data: data, At: now().UTC()}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err := p.Sink.Publish(ctx, evt)
	p.Metrics.Notification(typ, err)
	if err != nil && p.Log != nil {
		p.Log.WithFields(logrus.Fields{"event": typ, "scope": scope}).WithError(err).Warn("notification delivery failed")
	}
}
