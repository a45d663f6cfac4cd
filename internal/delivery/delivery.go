// Package delivery routes alert text to the configured sink. Every sink
// satisfies the same narrow contract so the runner stays agnostic to the
// target.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Deliverer dispatches one alert message to its sink. Transient failures
// must surface as errors so the runner can account for them; a deliverer
// never swallows a failed dispatch silently.
type Deliverer interface {
	Deliver(ctx context.Context, message string) error
}

// Console writes the alert to a writer, standard output in production.
type Console struct {
	Out io.Writer
}

// NewConsole creates a console deliverer writing to stdout.
func NewConsole() *Console {
	return &Console{Out: os.Stdout}
}

func (c *Console) Deliver(_ context.Context, message string) error {
	_, err := fmt.Fprintf(c.Out, "\n=== HEARTBEAT ALERT (%s) ===\n%s\n\n",
		time.Now().Format(time.RFC3339), message)
	return err
}

// Webhook posts the alert as a JSON body to a configured URL, retrying
// transient failures with bounded exponential backoff.
type Webhook struct {
	URL        string
	HTTP       *http.Client
	MaxElapsed time.Duration
}

// NewWebhook creates a webhook deliverer for the given URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:        url,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		MaxElapsed: 2 * time.Minute,
	}
}

type webhookPayload struct {
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (w *Webhook) Deliver(ctx context.Context, message string) error {
	body, err := json.Marshal(webhookPayload{
		Text:      message,
		Source:    "vigild",
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	policy := backoff.WithContext(
		backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(w.MaxElapsed)),
		ctx,
	)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := w.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode/100 == 2:
			return nil
		case res.StatusCode/100 == 4:
			// The endpoint rejected the payload; retrying cannot help.
			return backoff.Permanent(fmt.Errorf("webhook rejected delivery: http %d", res.StatusCode))
		default:
			return fmt.Errorf("webhook delivery failed: http %d", res.StatusCode)
		}
	}, policy)
}

// Memory appends the alert as a structured markdown entry under the vault
// path, one file per day.
type Memory struct {
	Dir string
}

// NewMemory creates a memory deliverer rooted at dir.
func NewMemory(dir string) *Memory {
	return &Memory{Dir: dir}
}

func (m *Memory) Deliver(_ context.Context, message string) error {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(m.Dir, fmt.Sprintf("heartbeat-%s.md", now.Format("2006-01-02")))

	entry := fmt.Sprintf("\n## Heartbeat alert - %s\n\n%s\n", now.Format("15:04 MST"), message)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open memory file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}
