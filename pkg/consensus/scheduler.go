package consensus

import (
	"context"
	"time"

	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

const (
	// earlyConsensusWindow is EARLY_CONSENSUS_NOTICE_SKEW / the fixed
	// 60s window used for extra-early caches and authorities.
	earlyConsensusWindow = 60 * time.Second
)

// Scheduler decides when, from whom, and how many parallel fetches to
// launch for each flavor, and tracks failure backoff (§4.E). Two
// independent schedules exist per flavor: a steady schedule (by-failure
// increment, any directory server) and two bootstrap schedules
// (authority-only and fallback-mirror, both by-attempt increment).
type Scheduler struct {
	core *Core

	steady        map[Flavor]*DownloadStatus
	bootAuthority map[Flavor]*DownloadStatus
	bootFallback  map[Flavor]*DownloadStatus
	nextFetch     map[Flavor]time.Time
	inFlight      map[Flavor]int

	logger  *logger.Logger
	metrics *metrics.Metrics
}

func newScheduler(core *Core, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = logger.NewDefault()
	}
	s := &Scheduler{
		core:          core,
		steady:        make(map[Flavor]*DownloadStatus),
		bootAuthority: make(map[Flavor]*DownloadStatus),
		bootFallback:  make(map[Flavor]*DownloadStatus),
		nextFetch:     make(map[Flavor]time.Time),
		inFlight:      make(map[Flavor]int),
		logger:        log.Component("consensus.scheduler"),
		metrics:       m,
	}
	for _, f := range AllFlavors {
		s.steady[f] = &DownloadStatus{IncrementPolicy: IncrementByFailure}
		s.bootAuthority[f] = &DownloadStatus{IncrementPolicy: IncrementByAttempt, PreferredSource: "authority"}
		s.bootFallback[f] = &DownloadStatus{IncrementPolicy: IncrementByAttempt, PreferredSource: "fallback"}
	}
	return s
}

// tick implements §4.E's per-flavor decision procedure, processing flavors
// in declaration order (§5's ordering guarantee).
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.core.cfg.DisableNetwork {
		return
	}

	for _, f := range AllFlavors {
		s.tickFlavor(ctx, f, now)
	}
}

func (s *Scheduler) tickFlavor(ctx context.Context, f Flavor, now time.Time) {
	doc := s.core.registry.latest(f)
	if doc == nil || !doc.Live(now) {
		s.nextFetch[f] = now
	}

	if now.Before(s.nextFetch[f]) {
		return
	}

	bootstrapping := s.core.bootstrap.isBootstrapping(now)
	maxParallel := 1
	if bootstrapping {
		maxParallel = s.core.cfg.ClientBootstrapConsensusMaxInProgressTries
		if maxParallel < 1 {
			maxParallel = 1
		}
	}
	if s.inFlight[f] >= maxParallel {
		return
	}

	if bootstrapping && f == s.core.cfg.UsableFlavor {
		s.tickBootstrap(ctx, f, now)
		return
	}

	s.tickSteady(ctx, f, now)
}

// tickBootstrap launches from the authority schedule, then the fallback
// schedule, in that order (§5: "authority-first, fallback-second"),
// skipping a schedule whose cert-wait probe is still waiting.
func (s *Scheduler) tickBootstrap(ctx context.Context, f Flavor, now time.Time) {
	for _, pair := range []struct {
		status *DownloadStatus
	}{
		{s.bootAuthority[f]},
		{s.bootFallback[f]},
	} {
		status := pair.status
		if now.Before(status.NextAttemptAt) {
			continue
		}
		if s.core.waiter.probe(f, now, s.steady[f]) == StillWaiting {
			continue
		}
		s.launch(ctx, f, status, now)
	}
}

// tickSteady implements §4.E step 6: probe the certificate waiter first; a
// StillWaiting verdict requests a certificate refresh instead of a document
// fetch. Otherwise launch a single fetch advancing the steady schedule.
func (s *Scheduler) tickSteady(ctx context.Context, f Flavor, now time.Time) {
	steady := s.steady[f]
	if s.core.waiter.probe(f, now, steady) == StillWaiting {
		s.core.authority.FetchMissing(ctx, s.core.waiter.parked(f), now, "")
		return
	}
	s.launch(ctx, f, steady, now)
}

func (s *Scheduler) launch(ctx context.Context, f Flavor, status *DownloadStatus, now time.Time) {
	s.inFlight[f]++
	status.AttemptCount++
	policy := SourcePolicy{PreferredSource: status.PreferredSource}

	if err := s.core.transport.FetchConsensus(ctx, f, policy); err != nil {
		s.inFlight[f]--
		s.logger.Warn("failed to launch consensus fetch", "flavor", f, "error", err)
		return
	}
	s.advance(status, now)
}

// advance moves a schedule's next-attempt time forward per its increment
// policy: exponential (doubling from 1s, capped at 30m, no jitter) for
// by-failure (steady state), linear for by-attempt (bootstrap).
func (s *Scheduler) advance(status *DownloadStatus, now time.Time) {
	switch status.IncrementPolicy {
	case IncrementByFailure:
		status.NextAttemptAt = now.Add(backoffForFailures(status.FailureCount))
	default: // IncrementByAttempt
		status.NextAttemptAt = now.Add(backoffForAttempts(status.AttemptCount))
	}
}

func backoffForFailures(failures int) time.Duration {
	delay := time.Second
	for i := 0; i < failures && delay < 30*time.Minute; i++ {
		delay *= 2
	}
	if delay > 30*time.Minute {
		delay = 30 * time.Minute
	}
	return delay
}

func backoffForAttempts(attempts int) time.Duration {
	delay := time.Duration(attempts) * 5 * time.Second
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

// reportFailure credits a failure to the steady schedule and re-invokes
// tick immediately (§4.E's report_failure).
func (s *Scheduler) reportFailure(f Flavor) {
	if s.inFlight[f] > 0 {
		s.inFlight[f]--
	}
	status := s.steady[f]
	status.FailureCount++
	s.advance(status, s.core.clock.Now())
}

// onInstallReset resets the steady schedule's failure count and recomputes
// next_fetch_time after a successful install (§4.F step 6).
func (s *Scheduler) onInstallReset(doc *Document) {
	f := doc.Flavor
	if s.inFlight[f] > 0 {
		s.inFlight[f]--
	}
	status := s.steady[f]
	status.FailureCount = 0
	s.nextFetch[f] = computeNextFetchTime(doc, s.core.cfg, s.core.random)
}

// computeNextFetchTime implements §4.E's recalculation formula.
func computeNextFetchTime(doc *Document, env ConsensusEnv, random RandomSource) time.Time {
	interval := doc.FreshUntil.Sub(doc.ValidAfter)
	if interval <= 0 {
		interval = time.Second
	}

	slack := interval / 16
	if slack > 120*time.Second {
		slack = 120 * time.Second
	}
	if slack < time.Second {
		slack = time.Second
	}

	var start time.Time
	var window time.Duration

	if env.FetchDirInfoEarly || env.FetchDirInfoExtraEarly {
		start = doc.FreshUntil.Add(slack)
		if env.FetchDirInfoExtraEarly || env.IsAuthority {
			window = earlyConsensusWindow
		} else {
			window = interval / 2
		}
	} else {
		start = doc.FreshUntil.Add(interval * 3 / 4)
		window = doc.ValidUntil.Sub(start) * 7 / 8
	}

	if env.UseBridges {
		start = start.Add(slack)
	}

	if window < time.Second {
		window = time.Second
	}
	if start.Add(window).After(doc.ValidUntil) {
		if d := doc.ValidUntil.Sub(start); d > time.Second {
			window = d - time.Second
		} else {
			window = time.Second
		}
	}

	offset := time.Duration(random.UniformInt(int(window.Seconds()))) * time.Second
	return start.Add(offset)
}
