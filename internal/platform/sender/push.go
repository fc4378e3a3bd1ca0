package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const pushTTL = 3600

// WebPush sends VAPID-signed web push messages. Target is the subscription
// endpoint; the message must carry the subscription keys.
type WebPush struct {
	publicKey  string
	privateKey string
	subject    string
	client     *http.Client
}

// NewWebPush signs requests with the VAPID key pair.
func NewWebPush(publicKey, privateKey, subject string) *WebPush {
	return &WebPush{
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
		client:     &http.Client{},
	}
}

type pushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (s *WebPush) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" || msg.P256dh == "" || msg.Auth == "" {
		return "", Rejected(CodeInvalidAddress, fmt.Errorf("incomplete push subscription"))
	}
	payload, err := json.Marshal(pushPayload{Title: msg.Subject, Body: msg.Body, Data: msg.Data})
	if err != nil {
		return "", fmt.Errorf("encode push payload: %w", err)
	}

	urgency := webpush.UrgencyNormal
	if msg.Urgent {
		urgency = webpush.UrgencyHigh
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: msg.To,
		Keys:     webpush.Keys{P256dh: msg.P256dh, Auth: msg.Auth},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             pushTTL,
		Urgency:         urgency,
	})
	if err != nil {
		return "", Transient(CodeProviderError, fmt.Errorf("web push: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := classifyPushStatus(resp.StatusCode); err != nil {
		return "", err
	}
	return resp.Header.Get("Location"), nil
}

func classifyPushStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return Bounced(CodeSubscriptionExpired, fmt.Errorf("push service returned %d", code))
	case code == http.StatusTooManyRequests:
		return Transient(CodeRateLimited, fmt.Errorf("push service returned %d", code))
	case code >= 400 && code < 500:
		return Rejected(CodeInvalidAddress, fmt.Errorf("push service returned %d", code))
	default:
		return Transient(CodeProviderError, fmt.Errorf("push service returned %d", code))
	}
}
