// Package fcm delivers notifications through Firebase Cloud Messaging to the
// device tokens kept in the subscription store.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/notifications"
	"github.com/bissquit/workout-notify/internal/pkg/ctxlog"
	"github.com/bissquit/workout-notify/internal/pkg/lazyinit"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// maxBatchSize is the FCM limit of messages per SendEach call.
const maxBatchSize = 500

const defaultTag = "workout-notification"

// Messenger is the part of the FCM client used by the sender.
type Messenger interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// Config holds FCM sender configuration.
type Config struct {
	Enabled         bool
	ProjectID       string
	CredentialsFile string // empty means application default credentials
	Icon            string
	Badge           string
	BaseURL         string  // click-through links point at <BaseURL>/workouts/<id>
	RateLimit       float64 // SendEach batches per second, 0 disables pacing
}

// Sender implements the token notification channel.
type Sender struct {
	config    Config
	store     notifications.SubscriptionStore
	directory notifications.Directory
	localizer *notifications.Localizer
	client    *lazyinit.Loader[Messenger]
	limiter   *rate.Limiter

	isUnregistered func(error) bool
}

// NewSender creates a new FCM sender. The Firebase client is created on
// first delivery. Returns error if enabled but required config is missing.
func NewSender(config Config, store notifications.SubscriptionStore, directory notifications.Directory, localizer *notifications.Localizer) (*Sender, error) {
	if config.Enabled && config.ProjectID == "" {
		return nil, errors.New("fcm sender: project id is required when enabled")
	}
	return newSender(config, store, directory, localizer, lazyinit.New(firebaseMessenger(config))), nil
}

// NewSenderWithMessenger creates an FCM sender that uses the given client.
func NewSenderWithMessenger(config Config, messenger Messenger, store notifications.SubscriptionStore, directory notifications.Directory, localizer *notifications.Localizer) *Sender {
	loader := lazyinit.New(func(context.Context) (Messenger, error) {
		return messenger, nil
	})
	return newSender(config, store, directory, localizer, loader)
}

func newSender(config Config, store notifications.SubscriptionStore, directory notifications.Directory, localizer *notifications.Localizer, client *lazyinit.Loader[Messenger]) *Sender {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	slog.Info("fcm sender configured",
		"enabled", config.Enabled,
		"project_id", config.ProjectID,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:    config,
		store:     store,
		directory: directory,
		localizer: localizer,
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),

		isUnregistered: messaging.IsUnregistered,
	}
}

func firebaseMessenger(config Config) func(ctx context.Context) (Messenger, error) {
	return func(ctx context.Context) (Messenger, error) {
		var opts []option.ClientOption
		if config.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
		}

		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: config.ProjectID}, opts...)
		if err != nil {
			return nil, fmt.Errorf("init firebase app: %w", err)
		}

		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("init messaging client: %w", err)
		}

		slog.Info("fcm client initialized", "project_id", config.ProjectID)
		return client, nil
	}
}

// Kind returns the channel kind.
func (s *Sender) Kind() domain.ChannelKind {
	return domain.ChannelFCM
}

// CheckConfig reports a disabled channel or missing credentials.
func (s *Sender) CheckConfig() error {
	if !s.config.Enabled {
		return &notifications.ConfigurationError{Channel: domain.ChannelFCM, Reason: "channel disabled"}
	}
	if s.config.ProjectID == "" {
		return &notifications.ConfigurationError{Channel: domain.ChannelFCM, Reason: "project id not set"}
	}
	return nil
}

// Warmup starts creating the Firebase client in the background.
func (s *Sender) Warmup(ctx context.Context) {
	s.client.Do(ctx, func(_ Messenger, err error) {
		if err != nil {
			slog.Error("fcm client warmup failed", "error", err)
		}
	})
}

type target struct {
	endpoint string
	message  *messaging.Message
}

// Deliver sends one message per registered device of the recipients, each in
// the language of its owner. Tokens FCM reports as unregistered are removed.
func (s *Sender) Deliver(ctx context.Context, delivery notifications.Delivery) (notifications.Report, error) {
	var report notifications.Report
	if err := s.CheckConfig(); err != nil {
		return report, err
	}
	logger := ctxlog.FromContext(ctx)

	subs, err := s.store.ListSubscriptionsForUsers(ctx, domain.ChannelFCM, delivery.Recipients)
	if err != nil {
		return report, fmt.Errorf("list fcm subscriptions: %w", err)
	}
	if len(subs) == 0 {
		report.Details = "no registered devices"
		return report, nil
	}

	targets := s.buildTargets(ctx, delivery.Request, subs, &report)
	if len(targets) == 0 {
		return report, nil
	}

	messenger, err := s.client.Get(ctx)
	if err != nil {
		return report, &notifications.ConfigurationError{
			Channel: domain.ChannelFCM,
			Reason:  err.Error(),
		}
	}

	var lastErr error
	var stale []string
	for start := 0; start < len(targets); start += maxBatchSize {
		batch := targets[start:min(start+maxBatchSize, len(targets))]

		if err := s.limiter.Wait(ctx); err != nil {
			report.Failed += len(targets) - start
			lastErr = notifications.NewRetryableError(domain.ChannelFCM, 0, fmt.Sprintf("wait for rate limiter: %v", err))
			break
		}

		messages := make([]*messaging.Message, len(batch))
		for i, t := range batch {
			messages[i] = t.message
		}

		resp, err := messenger.SendEach(ctx, messages)
		if err != nil {
			logger.Error("fcm batch failed", "messages", len(batch), "error", err)
			report.Failed += len(batch)
			lastErr = notifications.NewRetryableError(domain.ChannelFCM, 0, fmt.Sprintf("send batch: %v", err))
			continue
		}

		for i, r := range resp.Responses {
			if r.Success {
				report.Sent++
				continue
			}
			report.Failed++
			if s.isUnregistered(r.Error) {
				stale = append(stale, batch[i].endpoint)
				continue
			}
			logger.Warn("fcm message rejected", "error", r.Error)
		}
	}

	s.removeStale(ctx, stale)

	if lastErr != nil && report.Sent == 0 {
		return report, lastErr
	}
	if lastErr != nil {
		report.Details = lastErr.Error()
	}
	return report, nil
}

func (s *Sender) buildTargets(ctx context.Context, req *notifications.Request, subs []domain.DeviceSubscription, report *notifications.Report) []target {
	logger := ctxlog.FromContext(ctx)

	userIDs := make([]string, 0, len(subs))
	for _, sub := range subs {
		userIDs = append(userIDs, sub.UserID)
	}
	languages, err := s.directory.GetLanguages(ctx, userIDs)
	if err != nil {
		logger.Warn("failed to load recipient languages, using default", "error", err)
		languages = nil
	}

	contents := make(map[domain.Language]notifications.Content)
	data := req.Data()
	tag := string(req.Type)
	if tag == "" {
		tag = defaultTag
	}
	link := ""
	if s.config.BaseURL != "" {
		link = fmt.Sprintf("%s/workouts/%s", s.config.BaseURL, req.WorkoutID)
	}

	targets := make([]target, 0, len(subs))
	for _, sub := range subs {
		token, err := sub.Token()
		if err != nil {
			logger.Warn("skipping malformed fcm subscription", "subscription_id", sub.ID, "error", err)
			report.Failed++
			continue
		}

		lang := s.localizer.ParseLanguage(string(languages[sub.UserID]))
		content, ok := contents[lang]
		if !ok {
			content = s.localizer.Localize(req, lang)
			contents[lang] = content
		}

		targets = append(targets, target{
			endpoint: sub.Endpoint,
			message:  s.buildMessage(token, content, data, tag, link),
		})
	}
	return targets
}

func (s *Sender) buildMessage(token string, content notifications.Content, data map[string]string, tag, link string) *messaging.Message {
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: content.Heading,
			Body:  content.Body,
		},
		Data: data,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: content.Heading,
				Body:  content.Body,
				Icon:  s.config.Icon,
				Badge: s.config.Badge,
				Tag:   tag,
			},
		},
		Android: &messaging.AndroidConfig{
			Notification: &messaging.AndroidNotification{
				Icon: s.config.Icon,
				Tag:  tag,
			},
		},
	}
	if link != "" {
		msg.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: link}
	}
	return msg
}

func (s *Sender) removeStale(ctx context.Context, endpoints []string) {
	logger := ctxlog.FromContext(ctx)
	for _, endpoint := range endpoints {
		if err := s.store.DeleteSubscriptionByEndpoint(ctx, domain.ChannelFCM, endpoint); err != nil {
			logger.Error("failed to remove unregistered fcm token", "error", err)
			continue
		}
		logger.Info("removed unregistered fcm token")
	}
}
