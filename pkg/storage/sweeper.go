package storage

import (
	"context"
	"time"

	"github.com/beamlink/beam/internal/logger"
)

// Sweeper periodically reaps finished and abandoned upload state.
//
// Completed uploads are deleted after a short linger so that late
// download-confirmed events can still resolve the sender; uploads that went
// silent are deleted after a day. Backend TTLs are a backstop; the sweeper
// keeps list operations cheap in the meantime.
type Sweeper struct {
	store Store

	interval        time.Duration
	completedLinger time.Duration
	silenceLimit    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// SweeperConfig tunes the sweep cadence.
type SweeperConfig struct {
	Interval        time.Duration // scan cadence, default 1m
	CompletedLinger time.Duration // reap completed after, default 5m
	SilenceLimit    time.Duration // reap silent uploads after, default 24h
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CompletedLinger <= 0 {
		cfg.CompletedLinger = 5 * time.Minute
	}
	if cfg.SilenceLimit <= 0 {
		cfg.SilenceLimit = 24 * time.Hour
	}
	return &Sweeper{
		store:           store,
		interval:        cfg.Interval,
		completedLinger: cfg.CompletedLinger,
		silenceLimit:    cfg.SilenceLimit,
	}
}

// Start launches the sweep loop. Cancel via Stop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context) {
	uploads, err := s.store.ListUploadStates(ctx)
	if err != nil {
		logger.Warn("upload sweep failed", logger.KeyError, err.Error())
		return
	}

	now := time.Now()
	for _, state := range uploads {
		var reap bool
		switch state.Status {
		case UploadCompleted, UploadCancelled, UploadFailed:
			reap = now.Sub(state.LastUpdate) > s.completedLinger
		default:
			reap = now.Sub(state.LastUpdate) > s.silenceLimit
		}
		if !reap {
			continue
		}

		if err := s.store.DeleteUploadState(ctx, state.FileID); err != nil {
			logger.Warn("failed to reap upload state",
				logger.KeyFileID, state.FileID, logger.KeyError, err.Error())
			continue
		}
		if err := s.store.ClearCancelledDownloads(ctx, state.FileID); err != nil {
			logger.Warn("failed to clear cancelled set",
				logger.KeyFileID, state.FileID, logger.KeyError, err.Error())
		}
		logger.Debug("reaped upload state",
			logger.KeyFileID, state.FileID, logger.KeyStatus, string(state.Status))
	}
}
