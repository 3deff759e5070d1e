package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Event is the fire-and-forget settlement outcome consumed by alerting/SMS.
// Delivery failures never affect the settlement result.
type Event struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Provider      string `json:"provider,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type Notifier interface {
	Notify(ev Event)
}

// WebhookNotifier posts events to a configured URL in the background.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *zap.SugaredLogger
}

func NewWebhookNotifier(url string, log *zap.SugaredLogger) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		// Don't let a slow consumer hold goroutines.
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

func (n *WebhookNotifier) Notify(ev Event) {
	go func() {
		if err := n.send(ev); err != nil {
			n.log.Warnw("outcome notification failed", "transaction", ev.TransactionID, "error", err)
		}
	}()
}

func (n *WebhookNotifier) send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Wakala-Settler/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
}

// NopNotifier is used when no notification endpoint is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
