package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tternquist/beyond-ads-blocker/internal/blocklist"
	"github.com/tternquist/beyond-ads-blocker/internal/metrics"
)

const eventStateChanged = "state_changed"

// StateChangedPayload is sent after the ruleset artifact was rewritten.
type StateChangedPayload struct {
	Event     string `json:"event"`
	Reason    string `json:"reason"`
	Op        string `json:"op,omitempty"`
	Value     string `json:"value,omitempty"`
	Domains   int    `json:"domains"`
	Rules     int    `json:"rules"`
	Entitled  bool   `json:"entitled"`
	Timestamp string `json:"timestamp"`
}

// Notifier posts state change events to a URL. Events arriving faster than
// the configured interval are dropped.
type Notifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a webhook notifier. url must be non-empty.
func NewNotifier(url string, timeout, minInterval time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Notifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Run forwards events until ctx is done or the channel is closed.
func (n *Notifier) Run(ctx context.Context, events <-chan blocklist.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.FireStateChanged(ev)
		}
	}
}

// FireStateChanged sends the event in the background. It reports false when
// the event was dropped.
func (n *Notifier) FireStateChanged(ev blocklist.Event) bool {
	if n == nil || n.url == "" {
		return false
	}
	if !n.limiter.Allow() {
		metrics.RecordWebhook("dropped")
		return false
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	body, err := json.Marshal(StateChangedPayload{
		Event:     eventStateChanged,
		Reason:    ev.Reason,
		Op:        ev.Op,
		Value:     ev.Value,
		Domains:   ev.Domains,
		Rules:     ev.Rules,
		Entitled:  ev.Entitled,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.post(body); err != nil {
			metrics.RecordWebhook("error")
			if n.logger != nil {
				n.logger.Warn("webhook delivery failed", "url", n.url, "err", err)
			}
			return
		}
		metrics.RecordWebhook("sent")
	}()
	return true
}

func (n *Notifier) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
