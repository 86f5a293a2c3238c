package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/security"
)

// WebhookPayload is posted to a job's webhook when it reaches a final state.
type WebhookPayload struct {
	JobID      string    `json:"job_id"`
	Scenario   string    `json:"scenario"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	ResultURL  string    `json:"result_url"`
	FinishedAt int64     `json:"finished_at"`
}

// Notifier posts webhooks in the background.
type Notifier struct {
	client *http.Client
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. A nil client uses a client with a 30s timeout.
func NewNotifier(client *http.Client, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, logger: logger}
}

// Notify sends the webhook of job, if it has one.
func (n *Notifier) Notify(job *Job) {
	cfg := job.Request.Notify
	if cfg == nil || cfg.WebhookURL == "" {
		return
	}
	payload := WebhookPayload{
		JobID:      job.ID,
		Scenario:   job.Request.Scenario.Name,
		Status:     job.Status,
		Error:      job.Error,
		ResultURL:  fmt.Sprintf("/jqgo/jobs/%s/result", job.ID),
		FinishedAt: job.CompletedAt,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(context.Background(), *cfg, payload); err != nil {
			n.logger.Warn("webhook failed",
				zap.String("job_id", payload.JobID),
				zap.String("url", cfg.WebhookURL),
				zap.Error(err))
		}
	}()
}

// Wait blocks until pending webhooks are sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) send(ctx context.Context, cfg NotifyConfig, payload WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jqgo-Event", "job."+string(payload.Status))
	if cfg.WebhookSecret != "" {
		req.Header.Set("X-Jqgo-Signature", "sha256="+security.GenerateWebhookSignature(data, cfg.WebhookSecret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
