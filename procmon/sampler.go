package procmon

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// PeakUnavailable is reported when no valid peak exists: sampling is
// disabled, or the process was killed for exceeding the ceiling.
const PeakUnavailable int64 = -1

const (
	// DefaultInterval bounds sampling overhead on the measured process.
	DefaultInterval = 500 * time.Millisecond
	// DefaultCeiling is the peak above which a tree is killed.
	DefaultCeiling uint64 = 20 << 30
)

// SamplerConfig controls a Sampler. A nil Reader disables sampling.
type SamplerConfig struct {
	Interval time.Duration
	Ceiling  uint64
	Reader   MemoryReader
	Killer   TreeKiller
	Logger   *slog.Logger
}

// Sampler tracks the peak resident memory of one process tree.
type Sampler struct {
	cfg      SamplerConfig
	pid      int
	peak     atomic.Int64
	samples  atomic.Int64
	exceeded atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// StartSampler begins sampling pid in the background. The first sample is
// taken immediately.
func StartSampler(ctx context.Context, pid int, cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sampler{
		cfg:  cfg,
		pid:  pid,
		done: make(chan struct{}),
	}

	if cfg.Reader == nil {
		s.peak.Store(PeakUnavailable)
		s.cancel = func() {}
		close(s.done)

		return s
	}

	// The peak stays unavailable until a non-zero reading arrives.
	s.peak.Store(PeakUnavailable)

	ctx, s.cancel = context.WithCancel(ctx)

	go s.loop(ctx)

	return s
}

// Peak returns the highest tree RSS in bytes seen so far, or
// PeakUnavailable.
func (s *Sampler) Peak() int64 { return s.peak.Load() }

// Exceeded reports whether the tree was killed for crossing the ceiling.
func (s *Sampler) Exceeded() bool { return s.exceeded.Load() }

// Samples returns the number of successful readings.
func (s *Sampler) Samples() int64 { return s.samples.Load() }

// Stop ends sampling, waits for the background goroutine and returns the
// final peak.
func (s *Sampler) Stop() int64 {
	s.cancel()
	<-s.done

	return s.Peak()
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if !s.sample(ctx) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sample takes one reading and reports whether sampling should continue.
func (s *Sampler) sample(ctx context.Context) bool {
	rss, err := s.cfg.Reader.TreeRSS(ctx, s.pid)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		if errors.Is(err, ErrProcessGone) {
			s.cfg.Logger.Debug("sampled process is gone",
				slog.Int("pid", s.pid),
			)

			return false
		}

		s.cfg.Logger.Warn("memory sample failed",
			slog.Int("pid", s.pid),
			slog.String("error", err.Error()),
		)

		return true
	}

	// An exited, unreaped process reads as zero; it is not a measurement.
	if rss == 0 {
		return true
	}

	s.samples.Add(1)

	for {
		prev := s.peak.Load()
		if int64(rss) <= prev || s.peak.CompareAndSwap(prev, int64(rss)) {
			break
		}
	}

	if peak := s.peak.Load(); s.cfg.Ceiling > 0 && peak > 0 && uint64(peak) > s.cfg.Ceiling {
		s.exceeded.Store(true)
		s.peak.Store(PeakUnavailable)

		if s.cfg.Killer != nil {
			if err := s.cfg.Killer.KillTree(context.WithoutCancel(ctx), s.pid); err != nil {
				s.cfg.Logger.Error("kill over-ceiling process tree",
					slog.Int("pid", s.pid),
					slog.String("error", err.Error()),
				)
			}
		}

		s.cfg.Logger.Warn("process exceeded memory ceiling and was killed",
			slog.Int("pid", s.pid),
			slog.Uint64("ceiling_bytes", s.cfg.Ceiling),
			slog.Uint64("rss_bytes", rss),
		)

		return false
	}

	return true
}
