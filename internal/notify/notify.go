// Package notify delivers a dispatch cycle's NotificationEvent to the
// configured sinks. Every sink is independent: one failing never stops the
// others and never fails the cycle.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mr1hm/go-fire-dispatch/internal/config"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
	"github.com/mr1hm/go-fire-dispatch/internal/worker"
)

type Sink interface {
	Name() string
	Send(ctx context.Context, event models.NotificationEvent) error
}

// Result is the outcome of one sink for one event.
type Result struct {
	Sink     string
	Err      error
	Duration time.Duration
}

var errNotRun = errors.New("sink did not run")

type sinkJob struct {
	idx  int
	sink Sink
}

// Fanout sends event to every sink on a short-lived worker pool and waits
// for all of them. Results are in sink order.
func Fanout(ctx context.Context, sinks []Sink, event models.NotificationEvent) []Result {
	results := make([]Result, len(sinks))
	for i, s := range sinks {
		results[i] = Result{Sink: s.Name(), Err: errNotRun}
	}
	if len(sinks) == 0 {
		return results
	}

	pool := worker.NewWorkerPool("notify", len(sinks), len(sinks), func(ctx context.Context, job worker.Job) error {
		j := job.(sinkJob)
		start := time.Now()
		err := j.sink.Send(ctx, event)
		// each job owns its index, no lock needed
		results[j.idx] = Result{Sink: j.sink.Name(), Err: err, Duration: time.Since(start)}
		if err != nil {
			return fmt.Errorf("%s: %w", j.sink.Name(), err)
		}
		return nil
	})
	pool.Start(ctx)
	for i, s := range sinks {
		if err := pool.Submit(ctx, sinkJob{idx: i, sink: s}); err != nil {
			results[i].Err = err
			break
		}
	}
	pool.Stop()

	for _, r := range results {
		if r.Err != nil {
			slog.Error("notification failed", "sink", r.Sink, "error", r.Err)
			continue
		}
		slog.Info("notification sent", "sink", r.Sink, "duration", r.Duration)
	}
	return results
}

// NewHTTPClient returns the retrying client every sink shares.
func NewHTTPClient(cfg config.HTTPConfig) *http.Client {
	rC := retryablehttp.NewClient()
	rC.Logger = slog.Default()
	rC.RetryMax = cfg.RetryMax
	c := rC.StandardClient()
	c.Timeout = cfg.Timeout
	return c
}

// BuildSinks creates the enabled sinks. Disabled sinks are left out.
func BuildSinks(cfg config.NotifyConfig, httpClient *http.Client) ([]Sink, error) {
	var sinks []Sink

	if cfg.PushEnabled {
		sinks = append(sinks, NewPushSink(cfg.PushWebhookURL, cfg.PushSender, httpClient))
	}

	if cfg.ChatEnabled {
		token, err := slackToken(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, NewChatSink(token, cfg.SlackChannel, cfg.SlackAPIURL, httpClient))
	}

	if cfg.SpeechEnabled {
		sinks = append(sinks, NewSpeechSink(SpeechOptions{
			Dir:      cfg.SpeechDir,
			Language: cfg.SpeechLanguage,
			URL:      cfg.SpeechURL,
			Play:     cfg.SpeechPlay,
			Player:   cfg.SpeechPlayer,
		}, httpClient))
	}

	return sinks, nil
}
