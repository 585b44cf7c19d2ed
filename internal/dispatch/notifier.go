package dispatch

import (
	"context"

	"github.com/example/dispatch-engine/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, ev models.Event)
}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev models.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}
