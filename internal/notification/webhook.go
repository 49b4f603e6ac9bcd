// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/pkg/utils"
)

const maxRetryDelay = 30 * time.Second

// WebhookConfig describes the alert endpoint
type WebhookConfig struct {
	URL           string
	Headers       map[string]string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// WebhookPayload is the JSON body posted for each alert
type WebhookPayload struct {
	Source  string `json:"source"`
	Version string `json:"version"`
	Alert   *Alert `json:"alert"`
}

// WebhookSink posts alerts as JSON, retrying with exponential backoff
type WebhookSink struct {
	config     WebhookConfig
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(config WebhookConfig) (*WebhookSink, error) {
	if config.URL == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Webhook URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &WebhookSink{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: utils.ComponentLogger("webhook_sink"),
	}, nil
}

// Name identifies the sink in metrics
func (s *WebhookSink) Name() string { return "webhook" }

// Send posts alert, retrying on transport errors and non-2xx responses
func (s *WebhookSink) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(&WebhookPayload{Source: "medtrack-integrity", Version: "1", Alert: alert})
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal alert payload", err.Error())
	}

	var lastErr error
	for attempt := 1; attempt <= s.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := s.retryDelay(attempt)
			s.logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"delay":    delay,
				"alert_id": alert.ID,
			}).Warn("Retrying alert webhook")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return utils.NewAppError(utils.ErrCodeStorage, "Alert delivery cancelled", ctx.Err().Error())
			}
		}

		if lastErr = s.post(ctx, alert.ID, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, alertID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to create webhook request", err.Error())
	}
	for key, value := range s.config.Headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "medtrack-integrity/1")
	req.Header.Set("X-Alert-ID", alertID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to send webhook", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return utils.NewAppError(utils.ErrCodeStorage, "Webhook returned non-success status",
			fmt.Sprintf("status: %d, body: %s", resp.StatusCode, snippet))
	}
	return nil
}

// retryDelay doubles the base delay for each attempt after the second
func (s *WebhookSink) retryDelay(attempt int) time.Duration {
	delay := s.config.RetryDelay << uint(attempt-2)
	if delay <= 0 || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
