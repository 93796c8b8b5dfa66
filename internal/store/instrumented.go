package store

import (
	"context"
	"time"

	"github.com/LeoCryptoFlow/aixin/internal/metrics"
	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// Instrumented wraps a DataStore and records the latency of every write.
type Instrumented struct {
	DataStore
}

// WithMetrics returns ds wrapped with latency metrics.
func WithMetrics(ds DataStore) *Instrumented {
	return &Instrumented{DataStore: ds}
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) SaveAgent(ctx context.Context, a *models.Agent) error {
	defer observe("save_agent", time.Now())
	return s.DataStore.SaveAgent(ctx, a)
}

func (s *Instrumented) SaveContact(ctx context.Context, c *models.Contact) error {
	defer observe("save_contact", time.Now())
	return s.DataStore.SaveContact(ctx, c)
}

func (s *Instrumented) DeleteContact(ctx context.Context, a, b string) error {
	defer observe("delete_contact", time.Now())
	return s.DataStore.DeleteContact(ctx, a, b)
}

func (s *Instrumented) AppendMessage(ctx context.Context, m *models.Message, recipients []string) error {
	defer observe("append_message", time.Now())
	return s.DataStore.AppendMessage(ctx, m, recipients)
}

func (s *Instrumented) MarkRead(ctx context.Context, recipient string, ids []string) error {
	defer observe("mark_read", time.Now())
	return s.DataStore.MarkRead(ctx, recipient, ids)
}

func (s *Instrumented) SaveGroup(ctx context.Context, g *models.Group) error {
	defer observe("save_group", time.Now())
	return s.DataStore.SaveGroup(ctx, g)
}

func (s *Instrumented) SaveTask(ctx context.Context, t *models.Task) error {
	defer observe("save_task", time.Now())
	return s.DataStore.SaveTask(ctx, t)
}
