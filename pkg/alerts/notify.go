package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/queue"
	"mercator-hq/costguard/pkg/retry"
)

// Delivery is the queue payload of one alert on one channel.
type Delivery struct {
	Alert   Alert   `json:"alert"`
	Channel Channel `json:"channel"`
}

// Notifier sends an alert over one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

// Dispatcher delivers queued alert entries to the notifier of their channel.
// It implements queue.Deliverer.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers map[Channel]Notifier
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher with no notifiers.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		notifiers: make(map[Channel]Notifier),
		logger:    logger.With(zap.String("component", "alerts.dispatch")),
	}
}

// Register sets the notifier of channel.
func (d *Dispatcher) Register(ch Channel, n Notifier) {
	d.mu.Lock()
	d.notifiers[ch] = n
	d.mu.Unlock()
}

// Deliver implements queue.Deliverer.
func (d *Dispatcher) Deliver(ctx context.Context, e queue.Entry) error {
	var del Delivery
	if err := e.Decode(&del); err != nil {
		return &queue.PermanentDeliveryError{Kind: e.Kind, Err: err}
	}
	d.mu.RLock()
	n, ok := d.notifiers[del.Channel]
	d.mu.RUnlock()
	if !ok {
		return &queue.PermanentDeliveryError{
			Kind: e.Kind,
			Err:  fmt.Errorf("no notifier for channel %q", del.Channel),
		}
	}
	if err := n.Notify(ctx, del.Alert); err != nil {
		if retry.IsPermanent(err) {
			return &queue.PermanentDeliveryError{Kind: e.Kind, Err: err}
		}
		return &queue.TransientDeliveryError{Kind: e.Kind, Err: err}
	}
	d.logger.Debug("alert delivered",
		zap.String("alert_id", del.Alert.ID),
		zap.String("channel", string(del.Channel)))
	return nil
}

// LogNotifier writes alerts to the logger.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	l := n.Logger
	if l == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("scope", a.Scope),
		zap.String("type", string(a.Type)),
		zap.String("priority", string(a.Priority)),
		zap.String("message", a.Message),
	}
	switch a.Priority {
	case PriorityCritical, PriorityHigh:
		l.Warn(a.Title, fields...)
	default:
		l.Info(a.Title, fields...)
	}
	return nil
}

// ErrDeliveryRejected marks a webhook response that retrying cannot fix.
var ErrDeliveryRejected = errors.New("delivery rejected")

// WebhookNotifier posts alerts as JSON to a URL, retrying transient failures
// in-call before the queue takes over.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Retrier *retry.Retrier

	// Encode builds the request body. Nil posts the alert itself.
	Encode func(a Alert) ([]byte, error)
}

// NewWebhookNotifier creates a notifier with a 10s client timeout and the
// given retry policy.
func NewWebhookNotifier(url string, p retry.Policy, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Retrier: retry.New(p, retry.WithLogger(logger)),
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	encode := n.Encode
	if encode == nil {
		encode = func(a Alert) ([]byte, error) { return json.Marshal(a) }
	}
	body, err := encode(a)
	if err != nil {
		return retry.MarkPermanent(fmt.Errorf("failed to encode alert %s: %w", a.ID, err))
	}
	if n.Retrier == nil {
		return n.post(ctx, body)
	}
	return n.Retrier.Do(ctx, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return retry.MarkPermanent(fmt.Errorf("failed to build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return retry.MarkPermanent(fmt.Errorf("%w: webhook returned status %d", ErrDeliveryRejected, resp.StatusCode))
	}
}

// NewSlackNotifier posts alerts to a Slack incoming webhook.
func NewSlackNotifier(url string, p retry.Policy, logger *zap.Logger) *WebhookNotifier {
	n := NewWebhookNotifier(url, p, logger)
	n.Encode = func(a Alert) ([]byte, error) {
		return json.Marshal(map[string]string{
			"text": fmt.Sprintf("%s *%s* (%s)\n%s", slackIcon(a.Priority), a.Title, a.Scope, a.Message),
		})
	}
	return n
}

func slackIcon(p Priority) string {
	switch p {
	case PriorityCritical:
		return ":rotating_light:"
	case PriorityHigh:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
