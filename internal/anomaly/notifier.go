package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	Flag    Flag   `json:"flag"`
}

// Notifier delivers operator notifications out of band.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelWarn
	if n.Level == LevelCritical {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "spend anomaly",
		"scope", n.Flag.Scope,
		"reference_id", n.Flag.ReferenceID,
		"observed", n.Flag.ObservedValue,
		"threshold", n.Flag.Threshold,
		"message", n.Message)
	return nil
}

// RedisNotifier publishes notifications as JSON on a pub/sub channel.
// Warnings are throttled; critical notifications always go out.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	limiter *rate.Limiter
}

func NewRedisNotifier(rdb *redis.Client, channel string, limiter *rate.Limiter) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel, limiter: limiter}
}

var ErrThrottled = errors.New("notification throttled")

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Level != LevelCritical && !r.limiter.Allow() {
		return ErrThrottled
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range f {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
