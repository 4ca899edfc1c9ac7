package deliverer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Webhook-Signature"
	eventHeader     = "X-Webhook-Event"
	deliveryHeader  = "X-Webhook-Delivery"
	maxDrainBytes   = 4 << 10
)

// OutcomeKind classifies a delivery attempt.
type OutcomeKind int

const (
	// OutcomeSuccess means the endpoint acknowledged with 2xx.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeTransient means the attempt may be retried: 429, 5xx,
	// timeout, or connection error.
	OutcomeTransient
	// OutcomePermanent means the endpoint rejected deliberately (other
	// 4xx). No retry.
	OutcomePermanent
)

// Outcome records what one attempt did, for the delivery audit row.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Latency    time.Duration
	Reason     string
}

type Deliverer struct {
	client *http.Client
	log    *zap.Logger
}

func New(timeout time.Duration, log *zap.Logger) *Deliverer {
	return &Deliverer{
		client: &http.Client{Timeout: timeout},
		log:    log.Named("webhook.deliverer"),
	}
}

// Sign computes the signature header value for payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver POSTs the stored payload to the endpoint and classifies the
// response. The payload is sent exactly as persisted so the signature
// stays reproducible across retries.
func (d *Deliverer) Deliver(ctx context.Context, endpoint *webhookdomain.WebhookEndpoint, delivery *webhookdomain.WebhookDelivery) Outcome {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return Outcome{
			Kind:    OutcomePermanent,
			Latency: time.Since(start),
			Reason:  webhookdomain.ReasonEndpointRejected,
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "metergate-webhooks/1.0")
	req.Header.Set(signatureHeader, Sign(endpoint.Secret, delivery.Payload))
	req.Header.Set(eventHeader, delivery.EventName)
	req.Header.Set(deliveryHeader, delivery.ID.String())

	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		reason := webhookdomain.ReasonConnectionError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			reason = webhookdomain.ReasonTimeout
		}
		d.log.Warn("webhook attempt failed",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("url", endpoint.URL),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return Outcome{Kind: OutcomeTransient, Latency: latency, Reason: reason}
	}
	defer func() {
		io.CopyN(io.Discard, resp.Body, maxDrainBytes)
		resp.Body.Close()
	}()

	return classify(resp.StatusCode, latency)
}

func classify(status int, latency time.Duration) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Outcome{Kind: OutcomeSuccess, StatusCode: status, Latency: latency}
	case status == http.StatusTooManyRequests:
		return Outcome{Kind: OutcomeTransient, StatusCode: status, Latency: latency, Reason: webhookdomain.ReasonRateLimited}
	case status >= 400 && status < 500:
		return Outcome{Kind: OutcomePermanent, StatusCode: status, Latency: latency, Reason: webhookdomain.ReasonEndpointRejected}
	default:
		return Outcome{Kind: OutcomeTransient, StatusCode: status, Latency: latency, Reason: webhookdomain.ReasonEndpointError}
	}
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	return false
}
