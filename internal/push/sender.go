package push

import (
	"context"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"huddle/pkg/types"
)

// Sender delivers one encrypted payload to one subscription endpoint.
// The webpush implementation is swapped for a stub in tests.
type Sender interface {
	Send(ctx context.Context, sub types.PushSubscription, payload []byte) error
}

// WebPushSender sends VAPID-signed web push notifications.
type WebPushSender struct {
	options webpush.Options
}

// NewWebPushSender creates a sender with VAPID credentials. Subscriber
// is the contact email push services may use to reach the operator.
func NewWebPushSender(vapidPublicKey, vapidPrivateKey, subscriberEmail string) *WebPushSender {
	return &WebPushSender{
		options: webpush.Options{
			Subscriber:      "mailto:" + subscriberEmail,
			VAPIDPublicKey:  vapidPublicKey,
			VAPIDPrivateKey: vapidPrivateKey,
			TTL:             60,
		},
	}
}

// Send pushes the payload. A 404/410 from the push service means the
// subscription is permanently invalid and returns ErrSubscriptionGone;
// anything else non-2xx is a transient failure.
func (s *WebPushSender) Send(ctx context.Context, sub types.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &s.options)
	if err != nil {
		return fmt.Errorf("push send failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	default:
		return nil
	}
}
