// Package broker delivers notifications through a push broker REST API
// (OneSignal-compatible) addressed by external user IDs.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/notifications"
	"github.com/bissquit/workout-notify/internal/pkg/ctxlog"
)

const (
	defaultAPIURL  = "https://onesignal.com/api/v1/notifications"
	defaultTimeout = 10 * time.Second

	// maxExternalIDs is the broker's limit of external user IDs per request.
	maxExternalIDs = 2000
)

// Config holds broker sender configuration.
type Config struct {
	AppID   string
	APIKey  string
	APIURL  string
	BaseURL string // click-through links point at <BaseURL>/workouts/<id>
	Timeout time.Duration
}

// Sender implements the broker notification channel.
type Sender struct {
	config     Config
	localizer  *notifications.Localizer
	httpClient *http.Client
}

// NewSender creates a new broker sender. Missing credentials are reported by
// CheckConfig at dispatch time so the other channel keeps working.
func NewSender(config Config, localizer *notifications.Localizer) *Sender {
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	slog.Info("broker sender configured",
		"api_url", config.APIURL,
		"app_id_set", config.AppID != "",
		"api_key_set", config.APIKey != "",
	)

	return &Sender{
		config:     config,
		localizer:  localizer,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Kind returns the channel kind.
func (s *Sender) Kind() domain.ChannelKind {
	return domain.ChannelBroker
}

// CheckConfig reports missing credentials.
func (s *Sender) CheckConfig() error {
	var missing []string
	if s.config.AppID == "" {
		missing = append(missing, "app id")
	}
	if s.config.APIKey == "" {
		missing = append(missing, "api key")
	}
	if len(missing) > 0 {
		return &notifications.ConfigurationError{
			Channel: domain.ChannelBroker,
			Reason:  strings.Join(missing, " and ") + " not set",
		}
	}
	return nil
}

type payload struct {
	AppID                  string            `json:"app_id"`
	IncludeExternalUserIDs []string          `json:"include_external_user_ids"`
	Headings               map[string]string `json:"headings"`
	Contents               map[string]string `json:"contents"`
	Data                   map[string]string `json:"data"`
	WebURL                 string            `json:"web_url,omitempty"`
}

type response struct {
	ID         string          `json:"id"`
	Recipients int             `json:"recipients"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

// Deliver sends the notification to all recipients. Content is rendered once
// in the default language.
func (s *Sender) Deliver(ctx context.Context, delivery notifications.Delivery) (notifications.Report, error) {
	var report notifications.Report
	if err := s.CheckConfig(); err != nil {
		return report, err
	}

	req := delivery.Request
	content := s.localizer.Localize(req, domain.LanguageEnglish)
	logger := ctxlog.FromContext(ctx)

	var lastErr error
	var details []string
	for start := 0; start < len(delivery.Recipients); start += maxExternalIDs {
		end := min(start+maxExternalIDs, len(delivery.Recipients))
		chunk := delivery.Recipients[start:end]

		resp, err := s.send(ctx, s.buildPayload(req, content, chunk))
		if err != nil {
			logger.Error("broker request failed",
				"recipients", len(chunk),
				"error", err,
			)
			report.Failed += len(chunk)
			lastErr = err
			continue
		}

		if resp.ID == "" {
			// Accepted, but none of the users is subscribed with the broker.
			report.Failed += len(chunk)
			details = append(details, "no subscribed recipients: "+string(resp.Errors))
			continue
		}

		report.Sent += resp.Recipients
		if skipped := len(chunk) - resp.Recipients; skipped > 0 {
			report.Failed += skipped
		}
		logger.Debug("broker notification created",
			"notification_id", resp.ID,
			"recipients", resp.Recipients,
		)
	}

	if lastErr != nil && report.Sent == 0 {
		return report, lastErr
	}
	if lastErr != nil {
		details = append(details, lastErr.Error())
	}
	report.Details = strings.Join(details, "; ")
	return report, nil
}

func (s *Sender) buildPayload(req *notifications.Request, content notifications.Content, recipients []string) payload {
	lang := string(domain.LanguageEnglish)
	p := payload{
		AppID:                  s.config.AppID,
		IncludeExternalUserIDs: recipients,
		Headings:               map[string]string{lang: content.Heading},
		Contents:               map[string]string{lang: content.Body},
		Data: map[string]string{
			"type":      string(req.Type),
			"workoutId": req.WorkoutID,
		},
	}
	if s.config.BaseURL != "" {
		p.WebURL = fmt.Sprintf("%s/workouts/%s", s.config.BaseURL, req.WorkoutID)
	}
	return p
}

func (s *Sender) send(ctx context.Context, p payload) (*response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Basic "+s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, notifications.NewRetryableError(domain.ChannelBroker, 0, fmt.Sprintf("send request: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

func (s *Sender) handleResponse(resp *http.Response) (*response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed response
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, notifications.NewPermanentError(domain.ChannelBroker, resp.StatusCode,
				fmt.Sprintf("decode response: %v", err))
		}
		return &parsed, nil

	case resp.StatusCode == http.StatusBadRequest:
		return nil, notifications.NewPermanentError(domain.ChannelBroker, resp.StatusCode,
			fmt.Sprintf("bad request: %s", string(body)))

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, notifications.NewPermanentError(domain.ChannelBroker, resp.StatusCode,
			"invalid api key")

	case resp.StatusCode == http.StatusNotFound:
		return nil, notifications.NewPermanentError(domain.ChannelBroker, resp.StatusCode,
			"app not found")

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, notifications.NewRetryableError(domain.ChannelBroker, resp.StatusCode,
			"rate limited")

	case resp.StatusCode >= 500:
		return nil, notifications.NewRetryableError(domain.ChannelBroker, resp.StatusCode,
			fmt.Sprintf("server error: %s", string(body)))
	}

	return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
}
