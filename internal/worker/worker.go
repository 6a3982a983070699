package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"omnichat/internal/discovery"
	"omnichat/internal/metrics"
	"omnichat/internal/queue"
	"omnichat/internal/store"
)

// Worker drains model-refresh jobs from the stream queue and re-runs
// discovery for the referenced config. Concurrent refreshes of the same
// config are not serialized; the last completed write wins.
type Worker struct {
	store         *store.Store
	queue         *queue.StreamQueue
	discovery     *discovery.Client
	marker        *queue.RefreshMarker
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *store.Store
	Queue         *queue.StreamQueue
	Discovery     *discovery.Client
	Marker        *queue.RefreshMarker
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		discovery:     cfg.Discovery,
		marker:        cfg.Marker,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.RefreshJobsDone.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.RefreshJobsFailed.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("refresh job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			w.clearMarker(ctx, msg.Job.ConfigID)
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.RefreshJob) error {
	cfg, ok := w.store.ByID(job.ConfigID)
	if !ok {
		// Config deleted between enqueue and processing; nothing to refresh.
		w.logger.Warn().Str("config_id", job.ConfigID).Msg("refresh job for unknown config, dropping")
		w.clearMarker(ctx, job.ConfigID)
		return nil
	}

	models, err := w.discovery.Discover(ctx, cfg)
	if err != nil {
		// Discovery falls back to static defaults; store those so the
		// picker stays usable, then report the failure for retry.
		if storeErr := w.store.SetAvailableModels(ctx, cfg.ID, models); storeErr != nil {
			w.logger.Error().Err(storeErr).Str("config_id", cfg.ID).Msg("failed to store fallback models")
		}
		return fmt.Errorf("discover models for %s: %w", cfg.ProviderName, err)
	}

	if err := w.store.SetAvailableModels(ctx, cfg.ID, models); err != nil {
		return fmt.Errorf("store models for %s: %w", cfg.ProviderName, err)
	}
	w.clearMarker(ctx, cfg.ID)
	w.logger.Info().Str("provider", cfg.ProviderName).Int("models", len(models)).Str("reason", job.Reason).Msg("model list refreshed")
	return nil
}

func (w *Worker) clearMarker(ctx context.Context, configID string) {
	if w.marker == nil {
		return
	}
	if err := w.marker.Clear(ctx, configID); err != nil {
		w.logger.Error().Err(err).Str("config_id", configID).Msg("failed to clear refresh marker")
	}
}
