package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	analyticsevents "gridledger/internal/analytics/application/events"
	"gridledger/internal/ingest/application/events"
	"gridledger/internal/observability/metrics"
)

// WebhookPublisher posts a text summary of failed imports and aggregations.
// Successful imports are not forwarded unless WithWebhookAll is set.
type WebhookPublisher struct {
	url    string
	client *http.Client
	all    bool
}

// WebhookOption configures the publisher.
type WebhookOption func(*WebhookPublisher)

// WithWebhookAll forwards every event, not just failures.
func WithWebhookAll() WebhookOption {
	return func(p *WebhookPublisher) {
		p.all = true
	}
}

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(p *WebhookPublisher) {
		if client != nil {
			p.client = client
		}
	}
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookPublisher constructs a publisher.
func NewWebhookPublisher(url string, opts ...WebhookOption) (*WebhookPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook publisher: empty url")
	}
	p := &WebhookPublisher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Handle implements eventing.EventHandler.
func (p *WebhookPublisher) Handle(ctx context.Context, event any) error {
	if p == nil {
		return errors.New("webhook publisher: nil publisher")
	}
	content, ok := p.format(event)
	if !ok {
		return nil
	}
	body, err := json.Marshal(webhookPayload{MsgType: "text", Text: webhookText{Content: content}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		metrics.IncEventPublish("webhook", "error")
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.IncEventPublish("webhook", "error")
		return fmt.Errorf("webhook publisher: status %d", resp.StatusCode)
	}
	metrics.IncEventPublish("webhook", "ok")
	return nil
}

func (p *WebhookPublisher) format(event any) (string, bool) {
	var b strings.Builder
	switch e := event.(type) {
	case events.ImportCompleted:
		if !p.all && e.Status == "completed" && e.Error == "" {
			return "", false
		}
		b.WriteString("[Import]\n")
		fmt.Fprintf(&b, "Meter: %s\n", e.MeterID)
		if e.FileName != "" {
			fmt.Fprintf(&b, "File: %s\n", e.FileName)
		}
		fmt.Fprintf(&b, "Status: %s\n", e.Status)
		fmt.Fprintf(&b, "Rows: %d inserted=%d duplicates=%d parse_errors=%d\n", e.TotalRows, e.Inserted, e.DuplicatesSkipped, e.ParseErrors)
		if e.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", e.Error)
		}
	case analyticsevents.AggregationCompleted:
		if !p.all {
			return "", false
		}
		b.WriteString("[Aggregation]\n")
		fmt.Fprintf(&b, "Parent: %s\n", e.ParentMeterID)
		fmt.Fprintf(&b, "Window: %s .. %s\n", e.From.Format(time.RFC3339), e.To.Format(time.RFC3339))
		fmt.Fprintf(&b, "Status: %s slots=%d energy_kwh=%.3f\n", e.Status, e.Slots, e.TotalEnergyKWh)
	default:
		return "", false
	}
	return strings.TrimSpace(b.String()), true
}
