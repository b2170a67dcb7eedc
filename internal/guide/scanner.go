// Package guide runs the background EPG harvest and renders the catalog
// as XMLTV and JSON.
package guide

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/zaplinktv/zaplink/internal/channels"
	"github.com/zaplinktv/zaplink/internal/config"
	"github.com/zaplinktv/zaplink/internal/models"
	"github.com/zaplinktv/zaplink/internal/proc"
	"github.com/zaplinktv/zaplink/internal/psip"
	"github.com/zaplinktv/zaplink/internal/relay"
	"github.com/zaplinktv/zaplink/internal/repository"
)

const (
	epgAcquireRetries = 5
	epgAcquireDelay   = 1 * time.Second
)

// repoSink adapts the program repository to the demuxer's sink.
type repoSink struct {
	repo repository.ProgramRepository
}

func (s repoSink) Upsert(ctx context.Context, p psip.Program) error {
	return s.repo.Upsert(ctx, &models.Program{
		Frequency: p.Frequency,
		ChannelID: p.ChannelID,
		StartMs:   p.StartMs,
		EndMs:     p.EndMs,
		Title:     p.Title,
		EventID:   p.EventID,
		SourceID:  p.SourceID,
	})
}

// Scanner walks every mux in the channel catalog on a fixed cycle,
// capturing each one briefly and feeding the bytes through the PSIP
// demuxer into the program repository.
type Scanner struct {
	catalog *channels.Catalog
	runner  *relay.Runner
	repo    repository.ProgramRepository
	sources *psip.SourceMap
	cfg     config.GuideConfig
	logger  *slog.Logger
}

// NewScanner creates a guide scanner.
func NewScanner(catalog *channels.Catalog, runner *relay.Runner, repo repository.ProgramRepository, cfg config.GuideConfig, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		catalog: catalog,
		runner:  runner,
		repo:    repo,
		sources: psip.NewSourceMap(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Run executes scan cycles until ctx is cancelled. Intended to run on
// its own goroutine.
func (s *Scanner) Run(ctx context.Context) {
	if !sleepCtx(ctx, s.cfg.StartupDelay) {
		return
	}

	first := true
	for {
		skip := false
		if first && s.cfg.SkipInitialIfFresh {
			if n, err := s.repo.CountUpcoming(ctx, time.Now()); err == nil && n > 0 {
				s.logger.Info("catalog already populated, skipping initial scan",
					slog.Int64("upcoming", n))
				skip = true
			}
		}
		first = false

		if !skip {
			s.runCycle(ctx)
		}
		if !sleepCtx(ctx, s.cfg.CycleInterval) {
			return
		}
	}
}

// runCycle scans every unique frequency once and expires finished
// programs afterwards.
func (s *Scanner) runCycle(ctx context.Context) {
	muxes := s.catalog.UniqueFrequencies()
	s.logger.Info("guide scan cycle starting", slog.Int("muxes", len(muxes)))

	for _, mux := range muxes {
		if ctx.Err() != nil {
			return
		}
		s.scanMux(ctx, mux)
		if !sleepCtx(ctx, s.cfg.MuxSettle) {
			return
		}
	}

	if n, err := s.repo.ExpireBefore(ctx, time.Now()); err != nil {
		s.logger.Warn("expiring programs", slog.Any("error", err))
	} else if n > 0 {
		s.logger.Info("expired finished programs", slog.Int64("count", n))
	}

	s.logger.Info("guide scan cycle complete")
}

// scanMux captures one mux for the configured duration and demuxes the
// output. Losing the tuner mid-capture to a streaming request shows up
// as EOF and is handled like a normal end of capture.
func (s *Scanner) scanMux(ctx context.Context, mux channels.Channel) {
	lease, err := s.runner.AcquireEPG(epgAcquireRetries, epgAcquireDelay)
	if err != nil {
		s.logger.Info("no tuner for guide scan, skipping mux",
			slog.String("frequency", mux.Frequency))
		return
	}
	defer lease.Release()

	argv := s.runner.CaptureArgs(lease.AdapterID(), mux.Number, s.cfg.ScanSeconds)
	capture, err := proc.Spawn(argv, proc.DevNull(), proc.Pipe())
	if err != nil {
		s.logger.Warn("spawning scan capture",
			slog.String("frequency", mux.Frequency), slog.Any("error", err))
		return
	}
	defer capture.Stdout.Close()

	if err := lease.SetChildren(capture, nil); err != nil {
		_ = capture.Terminate(proc.DefaultTerminateGrace)
		return
	}

	s.logger.Debug("scanning mux",
		slog.String("frequency", mux.Frequency),
		slog.Int("adapter", lease.AdapterID()))

	demux := psip.NewDemuxer(ctx, mux.Frequency, s.sources, repoSink{repo: s.repo}, s.logger)
	if _, err := io.Copy(demux, capture.Stdout); err != nil {
		s.logger.Warn("reading scan capture",
			slog.String("frequency", mux.Frequency), slog.Any("error", err))
	}

	s.logger.Debug("mux scan done",
		slog.String("frequency", mux.Frequency),
		slog.Int("packets", demux.Packets()))
}

// sleepCtx sleeps for d or until ctx is cancelled; it reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
