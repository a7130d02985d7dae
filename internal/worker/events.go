package worker

import (
	"context"
	"errors"
	"log"

	"offline_cache_proxy/internal/notify"
)

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageCacheScore  = "CACHE_SCORE"
)

// Message is a control message posted by a client.
type Message struct {
	Type  string   `json:"type"`
	Score *float64 `json:"score,omitempty"`
}

// OnMessage handles a client control message. Unknown types are ignored and
// reported as not handled.
func (e *Engine) OnMessage(ctx context.Context, host Host, msg Message) bool {
	switch msg.Type {
	case MessageSkipWaiting:
		e.metrics.RecordControlMessage(msg.Type, true)
		log.Printf("worker message type=%s", msg.Type)
		if host != nil {
			host.SkipWaiting()
		}
		return true
	case MessageCacheScore:
		// Scores are acknowledged but not persisted.
		e.metrics.RecordControlMessage(msg.Type, true)
		if msg.Score != nil {
			log.Printf("worker message type=%s score=%g", msg.Type, *msg.Score)
		} else {
			log.Printf("worker message type=%s", msg.Type)
		}
		return true
	default:
		e.metrics.RecordControlMessage("unknown", false)
		return false
	}
}

// OnSync handles a background sync trigger. Only the configured tag is
// recognized; it resolves immediately.
func (e *Engine) OnSync(ctx context.Context, tag string) bool {
	if tag != e.cfg.SyncTag {
		return false
	}
	log.Printf("worker background sync tag=%s", tag)
	return true
}

// OnPush shows the push notification. The payload text is used verbatim; only
// a push without a payload (nil) gets the default body.
func (e *Engine) OnPush(ctx context.Context, host Host, payload []byte) (notify.Notification, error) {
	if host == nil {
		return notify.Notification{}, errors.New("push requires a host")
	}
	tmpl := e.cfg.Notification
	body := tmpl.DefaultBody
	if payload != nil {
		body = string(payload)
	}

	n := notify.Notification{
		Title:   tmpl.Title,
		Body:    body,
		Icon:    tmpl.Icon,
		Badge:   tmpl.Badge,
		Vibrate: append([]int(nil), tmpl.Vibrate...),
		Data: notify.Data{
			DateOfArrival: e.now().UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: append([]notify.Action(nil), tmpl.Actions...),
	}
	if err := host.ShowNotification(ctx, n); err != nil {
		log.Printf("worker push notification failed error=%v", err)
		return notify.Notification{}, err
	}
	return n, nil
}
