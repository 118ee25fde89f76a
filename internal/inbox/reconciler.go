package inbox

import (
	"context"
	"log/slog"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/jid"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/ws"
)

// Reconciler applies delivery receipts to outbound messages. A status
// only ever moves forward.
type Reconciler struct {
	store *database.Store
	pub   ws.Publisher
	log   *slog.Logger
}

func NewReconciler(store *database.Store, pub ws.Publisher, log *slog.Logger) *Reconciler {
	return &Reconciler{store: store, pub: pub, log: log.With(sl.Module("inbox.reconciler"))}
}

// Apply processes receipts in order and returns how many advanced a
// message. The first storage error stops the batch.
func (r *Reconciler) Apply(ctx context.Context, receipts []Receipt) (int, error) {
	advanced := 0
	for _, rc := range receipts {
		log := r.log.With(slog.String("message_id", rc.MessageID), slog.String("status", rc.Status))

		if rc.MessageID == "" || !rc.FromMe || jid.IsIgnored(rc.RemoteJID) {
			log.Debug("receipt ignored")
			continue
		}
		status, ok := ParseProviderStatus(rc.Status)
		if !ok {
			log.Debug("unknown receipt status")
			continue
		}

		msg, changed, err := r.store.AdvanceMessageStatus(ctx, rc.MessageID, status)
		if err != nil {
			return advanced, err
		}
		if !changed {
			continue
		}
		advanced++
		r.pub.Publish(msg.TeamID, ws.EventMessageStatusUpdate, ws.MessageStatusEvent{
			ChatID:    msg.ChatID,
			MessageID: msg.ID,
			Status:    msg.Status,
		})

		chat, changed, err := r.store.AdvanceChatStatus(ctx, msg.ChatID, msg.ID, status)
		if err != nil {
			return advanced, err
		}
		if changed {
			r.pub.Publish(chat.TeamID, ws.EventChatListUpdate, ws.NewChatSummary(chat))
		}
	}
	return advanced, nil
}
