// Package engine assembles the incident-response system: one correlator,
// one detect agent, one orchestrator, one safety layer, and one scheduler
// per process, plus the HTTP surfaces that expose them.
package engine

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/circuit"
	"github.com/stratusops/stratus/internal/config"
	"github.com/stratusops/stratus/internal/correlator"
	"github.com/stratusops/stratus/internal/detect"
	"github.com/stratusops/stratus/internal/history"
	"github.com/stratusops/stratus/internal/ingest"
	"github.com/stratusops/stratus/internal/orchestrator"
	"github.com/stratusops/stratus/internal/rca"
	"github.com/stratusops/stratus/internal/safety"
	"github.com/stratusops/stratus/internal/scheduler"
	"github.com/stratusops/stratus/internal/sources"
)

// Options are the externally supplied collaborators. Every field may be
// nil; missing pieces fall back to simulated or absent implementations.
type Options struct {
	Provider  sources.Provider   // telemetry source (default: simulated)
	Primary   rca.InferenceModel // deep RCA model
	Escalated rca.InferenceModel // higher-reasoning RCA model
	Knowledge rca.KnowledgeBase  // pattern search/index service
	Executor  rca.SOPExecutor    // remediation runner
}

// System is the assembled process. Construct exactly one per process via
// NewSystem.
type System struct {
	Config       *config.Config
	Correlator   *correlator.Correlator
	DetectAgent  *detect.Agent
	Safety       *safety.Layer
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Ingestor     *ingest.Ingestor
	History      *history.Store

	apiServer     *http.Server
	metricsServer *http.Server
}

// NewSystem wires all components from one configuration.
func NewSystem(cfg *config.Config, opts Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == nil {
		log.Warn().Msg("No telemetry provider configured, using simulated sources")
		provider = sources.NewSimulatedProvider()
	}

	corr := correlator.New(provider, correlator.Config{
		Region: cfg.Region,
		SoftTimeouts: correlator.Timeouts{
			Metrics: cfg.CollectionSoftTimeouts.Metrics,
			Alarms:  cfg.CollectionSoftTimeouts.Alarms,
			Trail:   cfg.CollectionSoftTimeouts.Trail,
			Anomaly: cfg.CollectionSoftTimeouts.Anomaly,
			Health:  cfg.CollectionSoftTimeouts.Health,
		},
		HardTimeout: cfg.CollectionHardTimeout,
	})

	agent := detect.NewAgent(corr, detect.Config{
		Region:     cfg.Region,
		TTLSeconds: cfg.DetectTTLSeconds,
		CacheDir:   cfg.DetectCacheDir,
	})

	safetyLayer := safety.New(safety.Config{
		CooldownL1: time.Duration(cfg.CooldownL1Seconds) * time.Second,
		CooldownL2: time.Duration(cfg.CooldownL2Seconds) * time.Second,
		CooldownL3: time.Duration(cfg.CooldownL3Seconds) * time.Second,
		Breaker: circuit.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Window:           time.Duration(cfg.BreakerWindowSeconds) * time.Second,
			OpenDuration:     time.Duration(cfg.BreakerOpenSeconds) * time.Second,
		},
		ApprovalTTL: time.Duration(cfg.ApprovalTTLSeconds) * time.Second,
	})

	analyzer := rca.NewEscalatingAnalyzer(nil, opts.Primary, opts.Escalated, opts.Knowledge)
	analyzer.EscalateBelow = cfg.ConfidenceUpgradeThreshold

	var hist *history.Store
	if cfg.DataDir != "" {
		var err error
		hist, err = history.Open(filepath.Join(cfg.DataDir, "incidents.db"))
		if err != nil {
			log.Warn().Err(err).Msg("Incident history unavailable, continuing without persistence")
			hist = nil
		}
	}

	orchDeps := orchestrator.Deps{
		Collector: corr,
		Analyzer:  analyzer,
		Bridge:    rca.NewKeywordBridge(nil),
		Safety:    safetyLayer,
		Executor:  opts.Executor,
	}
	if hist != nil {
		orchDeps.History = hist
	}
	orch := orchestrator.New(orchestrator.Config{Region: cfg.Region}, orchDeps)

	sched := scheduler.New(scheduler.Config{
		HeartbeatInterval:    time.Duration(cfg.HeartbeatInterval) * time.Second,
		DailyReportInterval:  time.Duration(cfg.DailyReportInterval) * time.Second,
		SecurityScanInterval: time.Duration(cfg.SecurityScanInterval) * time.Second,
	}, agent, orch)

	ing := ingest.New(orch, nil)

	return &System{
		Config:       cfg,
		Correlator:   corr,
		DetectAgent:  agent,
		Safety:       safetyLayer,
		Orchestrator: orch,
		Scheduler:    sched,
		Ingestor:     ing,
		History:      hist,
	}, nil
}

// Start launches the scheduler and the HTTP listeners. It returns once the
// listeners are up; serving errors are logged.
func (s *System) Start() {
	s.Scheduler.Start()

	s.apiServer = &http.Server{
		Addr:              s.Config.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", s.apiServer.Addr).Msg("API server listening")
		if err := s.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server exited")
		}
	}()

	if s.Config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:              s.Config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", s.metricsServer.Addr).Msg("Metrics server listening")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server exited")
			}
		}()
	}
}

// Stop shuts the system down: scheduler first so no new pipelines start,
// then the listeners, then persistence.
func (s *System) Stop(ctx context.Context) {
	s.Scheduler.Stop()

	for _, srv := range []*http.Server{s.apiServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("Server shutdown incomplete")
		}
	}
	if s.History != nil {
		if err := s.History.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close incident history")
		}
	}
	log.Info().Msg("System stopped")
}
