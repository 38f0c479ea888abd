package engine

import (
	"context"
	"errors"

	"homehub/internal/channels"
	"homehub/internal/models"
	"homehub/internal/taskqueue"
)

// Notifier delivers task notifications to the owner's user channel and,
// when configured, to an external messenger.
type Notifier struct {
	Emitter   Emitter
	Messenger taskqueue.Deliverer
}

func (n Notifier) Deliver(ctx context.Context, note models.Notification) error {
	err := n.Emitter.Emit(channels.GroupUserInbox, note.OwnerID, channels.EventTaskUpdate, note)
	if n.Messenger != nil && len(note.Recipients) > 0 {
		err = errors.Join(err, n.Messenger.Deliver(ctx, note))
	}
	return err
}
