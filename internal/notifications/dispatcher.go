package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// Channel delivers a resolved notification through one push channel.
type Channel interface {
	Kind() domain.ChannelKind
	// CheckConfig returns a *ConfigurationError when credentials are missing.
	CheckConfig() error
	Deliver(ctx context.Context, delivery Delivery) (Report, error)
}

// Delivery is the input handed to every channel for one dispatch.
type Delivery struct {
	DispatchID string
	Request    *Request
	Recipients []string
}

// Report summarizes what a channel delivered.
type Report struct {
	Sent    int
	Failed  int
	Details string
}

// DispatchOutcome is the result of one channel. A failed outcome is never
// turned into an error for the caller.
type DispatchOutcome struct {
	Channel   domain.ChannelKind `json:"channel"`
	Success   bool               `json:"success"`
	Sent      int                `json:"sent"`
	Failed    int                `json:"failed"`
	Retryable bool               `json:"retryable,omitempty"`
	Details   string             `json:"details,omitempty"`
}

// DispatchResult aggregates the outcome of one dispatch.
type DispatchResult struct {
	DispatchID string            `json:"dispatch_id"`
	Recipients int               `json:"recipients"`
	Duplicate  bool              `json:"duplicate"`
	Outcomes   []DispatchOutcome `json:"outcomes"`
}

// Guard suppresses repeated dispatches carrying the same idempotency key.
type Guard interface {
	// Acquire returns false if the key was already acquired.
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	// ChannelTimeout bounds each channel's delivery. Zero means no limit.
	ChannelTimeout time.Duration
	// Guard is optional. Without it idempotency keys are ignored.
	Guard Guard
}

// Dispatcher fans one notification out to every configured channel.
type Dispatcher struct {
	config   DispatcherConfig
	resolver *AudienceResolver
	channels map[domain.ChannelKind]Channel
	order    []domain.ChannelKind
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(config DispatcherConfig, resolver *AudienceResolver, channels ...Channel) *Dispatcher {
	channelMap := make(map[domain.ChannelKind]Channel)
	order := make([]domain.ChannelKind, 0, len(channels))
	for _, ch := range channels {
		if _, dup := channelMap[ch.Kind()]; !dup {
			order = append(order, ch.Kind())
		}
		channelMap[ch.Kind()] = ch
	}
	return &Dispatcher{
		config:   config,
		resolver: resolver,
		channels: channelMap,
		order:    order,
	}
}

// Channels returns the configured channel kinds in dispatch order.
func (d *Dispatcher) Channels() []domain.ChannelKind {
	return append([]domain.ChannelKind(nil), d.order...)
}

// Dispatch resolves the audience once and delivers through all channels
// concurrently, waiting until every channel has settled. Channel failures are
// reported in the outcomes; the error is reserved for invalid requests and
// audience lookup failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*DispatchResult, error) {
	return d.dispatch(ctx, req, d.order, "all")
}

// DispatchChannel delivers through a single channel. Unlike Dispatch it
// returns the channel's *ConfigurationError.
func (d *Dispatcher) DispatchChannel(ctx context.Context, kind domain.ChannelKind, req *Request) (*DispatchResult, error) {
	ch, ok := d.channels[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, kind)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ch.CheckConfig(); err != nil {
		ctxlog.FromContext(ctx).Error("notification channel misconfigured",
			"channel", kind,
			"error", err,
		)
		return nil, err
	}
	return d.dispatch(ctx, req, []domain.ChannelKind{kind}, string(kind))
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request, kinds []domain.ChannelKind, scope string) (*DispatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Delivery continues if the caller goes away; ChannelTimeout bounds it.
	ctx = context.WithoutCancel(ctx)

	result := &DispatchResult{
		DispatchID: uuid.NewString(),
		Outcomes:   []DispatchOutcome{},
	}
	logger := ctxlog.FromContext(ctx).With(
		"dispatch_id", result.DispatchID,
		"type", req.Type,
		"workout_id", req.WorkoutID,
	)
	ctx = ctxlog.WithLogger(ctx, logger)

	if !req.Type.IsKnown() {
		logger.Warn("unknown event type, using default template")
	}

	guardKey := ""
	if req.IdempotencyKey != "" && d.config.Guard != nil {
		guardKey = scope + ":" + req.IdempotencyKey
		acquired, err := d.config.Guard.Acquire(ctx, guardKey)
		switch {
		case err != nil:
			// The guard is best-effort; dispatch without it.
			logger.Warn("idempotency guard unavailable", "error", err)
			guardKey = ""
		case !acquired:
			logger.Info("duplicate dispatch suppressed", "idempotency_key", req.IdempotencyKey)
			recordDuplicate()
			result.Duplicate = true
			return result, nil
		}
	}

	recipients, err := d.resolver.Resolve(ctx, req)
	if err != nil {
		d.release(ctx, guardKey)
		return nil, fmt.Errorf("resolve audience: %w", err)
	}

	result.Recipients = len(recipients)
	recordAudienceSize(len(recipients))

	if len(recipients) == 0 {
		logger.Info("no recipients for notification")
		return result, nil
	}

	logger.Info("dispatching notification",
		"recipients", len(recipients),
		"channels", kinds,
	)

	delivery := Delivery{
		DispatchID: result.DispatchID,
		Request:    req,
		Recipients: recipients,
	}

	outcomes := make([]DispatchOutcome, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = d.run(ctx, d.channels[kind], delivery)
		}()
	}
	wg.Wait()

	result.Outcomes = outcomes
	if !delivered(outcomes) {
		// Nothing reached a device, so a retry with the same key must run.
		d.release(ctx, guardKey)
	}
	return result, nil
}

// release frees an acquired idempotency key. An empty key is a no-op.
func (d *Dispatcher) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := d.config.Guard.Release(ctx, key); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to release idempotency key", "error", err)
	}
}

func delivered(outcomes []DispatchOutcome) bool {
	for _, o := range outcomes {
		if o.Success && o.Sent > 0 {
			return true
		}
	}
	return false
}

// run delivers through one channel and converts every failure, panics
// included, into an outcome.
func (d *Dispatcher) run(ctx context.Context, ch Channel, delivery Delivery) (outcome DispatchOutcome) {
	kind := ch.Kind()
	outcome.Channel = kind
	logger := ctxlog.FromContext(ctx).With("channel", kind)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification channel panicked", "panic", r)
			outcome.Success = false
			outcome.Details = fmt.Sprintf("panic: %v", r)
		}
		recordDispatch(string(kind), outcome.Success, outcome.Sent, outcome.Failed, time.Since(start))
	}()

	if d.config.ChannelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ChannelTimeout)
		defer cancel()
	}

	report, err := ch.Deliver(ctx, delivery)
	outcome.Sent = report.Sent
	outcome.Failed = report.Failed
	outcome.Details = report.Details

	if err != nil {
		outcome.Success = false
		outcome.Details = err.Error()
		outcome.Retryable = !errors.Is(err, ErrChannelNotConfigured) && isRetryable(err)
		logger.Error("notification channel failed",
			"error", err,
			"retryable", outcome.Retryable,
			"duration", time.Since(start),
		)
		return outcome
	}

	// A channel that only reported failures delivered nothing.
	outcome.Success = report.Sent > 0 || report.Failed == 0
	if !outcome.Success && outcome.Details == "" {
		outcome.Details = "no notification delivered"
	}
	level := slog.LevelInfo
	if report.Failed > 0 {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "notification channel delivered",
		"sent", report.Sent,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
	return outcome
}
