package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const slackTimeout = 5 * time.Second

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
	log        *zap.Logger
}

func NewSlackNotifier(webhookURL, channel string, log *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: slackTimeout},
		log:        log.Named("alert.slack"),
	}
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (n *SlackNotifier) Notify(ctx context.Context, a Alert) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n%s", a.Title, a.Message)

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n• %s: `%s`", k, a.Fields[k])
	}

	body, err := json.Marshal(slackMessage{Channel: n.channel, Text: sb.String()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.CopyN(io.Discard, resp.Body, 1<<10)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NoopNotifier logs alerts instead of sending them. Used when no alert
// destination is configured.
type NoopNotifier struct {
	log *zap.Logger
}

func NewNoopNotifier(log *zap.Logger) *NoopNotifier {
	return &NoopNotifier{log: log.Named("alert")}
}

func (n *NoopNotifier) Notify(_ context.Context, a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+1)
	fields = append(fields, zap.String("title", a.Title))
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	n.log.Warn(a.Message, fields...)
	return nil
}
