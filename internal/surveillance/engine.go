// Package surveillance runs the supervisory loop: periodic health, behavior,
// and API-pattern checks over active agents, with score ticks and violation
// routing through the lifecycle manager.
package surveillance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/events"
	"github.com/marcus-qen/overseer/internal/identity"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/risk"
	"github.com/marcus-qen/overseer/internal/telemetry"
)

// Thresholds are per-tenant health bounds for heartbeat metrics.
type Thresholds struct {
	CPUPercent     float64 `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent" yaml:"memory_percent"`
	ErrorRate      float64 `json:"error_rate" yaml:"error_rate"`
	ResponseTimeMs float64 `json:"response_time_ms" yaml:"response_time_ms"`
}

// DefaultThresholds returns the stock health bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:     90,
		MemoryPercent:  90,
		ErrorRate:      0.25,
		ResponseTimeMs: 5000,
	}
}

// Finding is one behavior-analysis verdict.
type Finding struct {
	IsAnomaly   bool    `json:"is_anomaly"`
	Score       float64 `json:"score"`      // 0..1
	Confidence  float64 `json:"confidence"` // 0..1
	Explanation string  `json:"explanation"`
}

// Analyzer inspects an agent's recent activity for behavioral anomalies.
// Implementations are pluggable; the engine only trusts findings above its
// configured score and confidence floors.
type Analyzer interface {
	Analyze(ctx context.Context, agent *lifecycle.Agent, history []audit.Activity) (Finding, error)
}

// Lifecycle is the slice of the lifecycle manager the engine drives.
type Lifecycle interface {
	List(f lifecycle.ListFilter) []*lifecycle.Agent
	MarkOffline(ctx context.Context, agentID, reason string) error
	ApplyScoreDelta(ctx context.Context, agentID string, delta int, reason string) (*lifecycle.Agent, error)
	HandleSecurityViolation(ctx context.Context, rep lifecycle.ViolationReport) (*lifecycle.ViolationResult, error)
}

// ActivityLog is the slice of the audit store the engine reads and writes.
type ActivityLog interface {
	Append(ctx context.Context, a *audit.Activity) (string, error)
	Query(ctx context.Context, f audit.Filter) ([]audit.Activity, error)
	CountSince(ctx context.Context, agentID string, typ audit.ActivityType, since time.Time) (int, error)
}

// Config tunes the surveillance loop.
type Config struct {
	Interval         time.Duration // default 60s
	HeartbeatTimeout time.Duration // default 5m
	MaxConcurrent    int           // default 10
	Thresholds       Thresholds

	EnableBehaviorAnalysis bool
	AnomalyThreshold       float64 // default 0.7
	ConfidenceFloor        float64 // default 0.8
	HistoryWindow          int     // activities fed to the analyzer, default 50

	// SustainedBreachCycles is how many consecutive cycles a health bound
	// must be exceeded before a Medium violation fires. Default 3.
	SustainedBreachCycles int

	// RateBurstPerWindow is the activity count over RateWindow that counts
	// as an API burst. Defaults 120 over 5 minutes.
	RateBurstPerWindow int
	RateWindow         time.Duration

	// GoodBehaviorEvery is the minimum spacing between good-behavior
	// bonuses for one agent. Default 24h.
	GoodBehaviorEvery time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = 0.7
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.8
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 50
	}
	if c.SustainedBreachCycles <= 0 {
		c.SustainedBreachCycles = 3
	}
	if c.RateBurstPerWindow <= 0 {
		c.RateBurstPerWindow = 120
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 5 * time.Minute
	}
	if c.GoodBehaviorEvery <= 0 {
		c.GoodBehaviorEvery = 24 * time.Hour
	}
}

// AgentReport is the per-agent result of the most recent cycle.
type AgentReport struct {
	AgentID       string    `json:"agent_id"`
	CheckedAt     time.Time `json:"checked_at"`
	Healthy       bool      `json:"healthy"`
	BreachStreak  int       `json:"breach_streak,omitempty"`
	WentOffline   bool      `json:"went_offline,omitempty"`
	Violations    []string  `json:"violations,omitempty"`
	Finding       *Finding  `json:"behavior_finding,omitempty"`
	ActivityCount int       `json:"activity_count"`
	Err           string    `json:"error,omitempty"`
}

// CycleReport summarizes one full surveillance pass.
type CycleReport struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	AgentsChecked int       `json:"agents_checked"`
	WentOffline   int       `json:"went_offline"`
	Violations    int       `json:"violations"`
	Errors        int       `json:"errors"`
}

// Engine is the surveillance loop.
type Engine struct {
	lc       Lifecycle
	log      ActivityLog
	analyzer Analyzer
	bus      *events.Bus
	clock    identity.Clock
	cfg      Config
	logger   logr.Logger

	mu        sync.Mutex
	streaks   map[string]int       // consecutive health breaches
	lastBonus map[string]time.Time // good-behavior tick spacing
	perAgent  map[string]*AgentReport
	lastCycle CycleReport

	stop chan struct{}
	done chan struct{}
}

// New builds a surveillance engine. analyzer and bus may be nil.
func New(lc Lifecycle, activityLog ActivityLog, analyzer Analyzer, bus *events.Bus, clock identity.Clock, cfg Config, logger logr.Logger) *Engine {
	cfg.defaults()
	if clock == nil {
		clock = identity.RealClock()
	}
	return &Engine{
		lc:        lc,
		log:       activityLog,
		analyzer:  analyzer,
		bus:       bus,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		streaks:   make(map[string]int),
		lastBonus: make(map[string]time.Time),
		perAgent:  make(map[string]*AgentReport),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the loop. It runs until Stop or ctx cancellation; the
// in-flight cycle finishes cooperatively.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.RunCycle(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight cycle.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// Report returns the last cycle summary.
func (e *Engine) Report() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
}

// AgentReportFor returns the per-agent result from the most recent cycle
// that inspected the agent.
func (e *Engine) AgentReportFor(agentID string) (*AgentReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.perAgent[agentID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// RunCycle performs one full surveillance pass. Exposed for tests and for
// the admin surveillance-report endpoint's on-demand refresh.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	started := e.clock.Now()
	agents := e.lc.List(lifecycle.ListFilter{
		Statuses: []lifecycle.Status{lifecycle.StatusActive, lifecycle.StatusMaintenance},
	})
	ctx, span := telemetry.StartCycleSpan(ctx, len(agents))

	report := CycleReport{StartedAt: started, AgentsChecked: len(agents)}
	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	results := make([]*AgentReport, len(agents))

	for i, agent := range agents {
		// Cooperative cancellation between agents; never mid-agent.
		select {
		case <-ctx.Done():
			report.AgentsChecked = i
			goto collect
		case <-e.stop:
			report.AgentsChecked = i
			goto collect
		default:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, a *lifecycle.Agent) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.checkAgent(ctx, a)
		}(i, agent)
	}

collect:
	wg.Wait()
	report.FinishedAt = e.clock.Now()

	e.mu.Lock()
	for _, r := range results {
		if r == nil {
			continue
		}
		e.perAgent[r.AgentID] = r
		if r.WentOffline {
			report.WentOffline++
		}
		report.Violations += len(r.Violations)
		if r.Err != "" {
			report.Errors++
		}
	}
	e.lastCycle = report
	e.mu.Unlock()
	telemetry.EndCycleSpan(span, report.Violations, report.WentOffline, report.Errors)

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Subject: events.SurveillanceComplete,
			ID:      identity.NewID(),
			Summary: fmt.Sprintf("surveillance cycle: %d agents, %d violations, %d offline",
				report.AgentsChecked, report.Violations, report.WentOffline),
			Detail: report,
		})
	}
	e.logger.V(1).Info("surveillance cycle complete",
		"agents", report.AgentsChecked, "violations", report.Violations,
		"offline", report.WentOffline, "errors", report.Errors)
	return report
}

// checkAgent runs all analyses for one agent. A failing analysis records an
// Error activity for that agent and never aborts the cycle for others.
func (e *Engine) checkAgent(ctx context.Context, agent *lifecycle.Agent) (rep *AgentReport) {
	now := e.clock.Now()
	rep = &AgentReport{AgentID: agent.ID, CheckedAt: now, Healthy: true}

	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Sprintf("panic: %v", r)
			e.recordAnalysisError(ctx, agent, fmt.Errorf("surveillance panic: %v", r))
		}
	}()

	// Heartbeat timeout.
	if agent.Status == lifecycle.StatusActive && !agent.LastHeartbeat.IsZero() &&
		now.Sub(agent.LastHeartbeat) > e.cfg.HeartbeatTimeout {
		if err := e.lc.MarkOffline(ctx, agent.ID, "heartbeat timeout"); err != nil {
			rep.Err = err.Error()
			e.recordAnalysisError(ctx, agent, err)
		} else {
			rep.WentOffline = true
		}
		return rep
	}

	// Health bounds. A single breach only bumps the streak; a sustained
	// breach is a Medium violation.
	breached := e.breachedBound(agent.LastMetrics)
	e.mu.Lock()
	if breached != "" {
		e.streaks[agent.ID]++
	} else {
		delete(e.streaks, agent.ID)
	}
	streak := e.streaks[agent.ID]
	e.mu.Unlock()
	rep.BreachStreak = streak
	if breached != "" {
		rep.Healthy = false
	}

	if streak >= e.cfg.SustainedBreachCycles {
		if _, err := e.lc.HandleSecurityViolation(ctx, lifecycle.ViolationReport{
			AgentID:  agent.ID,
			Type:     "resource_exhaustion",
			Severity: risk.Medium,
			Details: map[string]string{
				"bound":   breached,
				"cycles":  fmt.Sprintf("%d", streak),
				"cpu":     fmt.Sprintf("%.1f", agent.LastMetrics.CPUPercent),
				"memory":  fmt.Sprintf("%.1f", agent.LastMetrics.MemoryPercent),
				"errors":  fmt.Sprintf("%.3f", agent.LastMetrics.ErrorRate),
				"latency": fmt.Sprintf("%.0fms", agent.LastMetrics.ResponseTimeMs),
			},
		}); err != nil {
			rep.Err = err.Error()
			e.recordAnalysisError(ctx, agent, err)
		} else {
			rep.Violations = append(rep.Violations, "resource_exhaustion")
			e.mu.Lock()
			delete(e.streaks, agent.ID)
			e.mu.Unlock()
		}
	}

	// API-pattern burst.
	count, err := e.log.CountSince(ctx, agent.ID, "", now.Add(-e.cfg.RateWindow))
	if err != nil {
		rep.Err = err.Error()
		e.recordAnalysisError(ctx, agent, err)
	} else {
		rep.ActivityCount = count
		if count > e.cfg.RateBurstPerWindow {
			if _, verr := e.lc.HandleSecurityViolation(ctx, lifecycle.ViolationReport{
				AgentID:  agent.ID,
				Type:     "api_burst",
				Severity: risk.Medium,
				Details: map[string]string{
					"count":  fmt.Sprintf("%d", count),
					"window": e.cfg.RateWindow.String(),
				},
			}); verr != nil {
				rep.Err = verr.Error()
				e.recordAnalysisError(ctx, agent, verr)
			} else {
				rep.Violations = append(rep.Violations, "api_burst")
			}
		}
	}

	// Behavior analysis.
	if e.cfg.EnableBehaviorAnalysis && e.analyzer != nil {
		if f, ok := e.analyzeBehavior(ctx, agent, rep); ok {
			rep.Finding = &f
		}
	}

	// Good-behavior tick: clean cycle, at most once per spacing window.
	if len(rep.Violations) == 0 && rep.Err == "" && !rep.WentOffline {
		e.mu.Lock()
		last, seen := e.lastBonus[agent.ID]
		due := !seen || now.Sub(last) >= e.cfg.GoodBehaviorEvery
		if due {
			e.lastBonus[agent.ID] = now
		}
		e.mu.Unlock()
		if due && agent.SecurityScore < 100 {
			if _, err := e.lc.ApplyScoreDelta(ctx, agent.ID,
				lifecycle.DeltaGoodBehavior, "good behavior tick"); err != nil {
				rep.Err = err.Error()
			}
		}
	}

	return rep
}

func (e *Engine) analyzeBehavior(ctx context.Context, agent *lifecycle.Agent, rep *AgentReport) (Finding, bool) {
	history, err := e.log.Query(ctx, audit.Filter{
		AgentID: agent.ID,
		Limit:   e.cfg.HistoryWindow,
	})
	if err != nil {
		rep.Err = err.Error()
		e.recordAnalysisError(ctx, agent, err)
		return Finding{}, false
	}

	f, err := e.analyzer.Analyze(ctx, agent, history)
	if err != nil {
		rep.Err = err.Error()
		e.recordAnalysisError(ctx, agent, err)
		return Finding{}, false
	}

	if f.IsAnomaly && f.Score >= e.cfg.AnomalyThreshold && f.Confidence >= e.cfg.ConfidenceFloor {
		if _, verr := e.lc.HandleSecurityViolation(ctx, lifecycle.ViolationReport{
			AgentID:  agent.ID,
			Type:     "behavioral_anomaly",
			Severity: anomalySeverity(f.Score),
			Details: map[string]string{
				"score":       fmt.Sprintf("%.2f", f.Score),
				"confidence":  fmt.Sprintf("%.2f", f.Confidence),
				"explanation": f.Explanation,
			},
		}); verr != nil {
			rep.Err = verr.Error()
			e.recordAnalysisError(ctx, agent, verr)
		} else {
			rep.Violations = append(rep.Violations, "behavioral_anomaly")
		}
	}
	return f, true
}

// anomalySeverity maps the analyzer's score monotonically onto violation
// severity.
func anomalySeverity(score float64) risk.Level {
	switch {
	case score >= 0.9:
		return risk.Critical
	case score >= 0.8:
		return risk.High
	default:
		return risk.Medium
	}
}

func (e *Engine) breachedBound(m lifecycle.HeartbeatMetrics) string {
	t := e.cfg.Thresholds
	switch {
	case t.CPUPercent > 0 && m.CPUPercent > t.CPUPercent:
		return "cpu"
	case t.MemoryPercent > 0 && m.MemoryPercent > t.MemoryPercent:
		return "memory"
	case t.ErrorRate > 0 && m.ErrorRate > t.ErrorRate:
		return "error_rate"
	case t.ResponseTimeMs > 0 && m.ResponseTimeMs > t.ResponseTimeMs:
		return "response_time"
	}
	return ""
}

func (e *Engine) recordAnalysisError(ctx context.Context, agent *lifecycle.Agent, cause error) {
	e.logger.Error(cause, "surveillance analysis failed", "agent", agent.ID)
	if _, err := e.log.Append(ctx, &audit.Activity{
		AgentID:       agent.ID,
		TenantID:      agent.TenantID,
		CorrelationID: identity.NewID(),
		Type:          audit.TypeError,
		Category:      "surveillance_analysis_failed",
		Description:   cause.Error(),
		RiskLevel:     risk.Low,
	}); err != nil {
		e.logger.Error(err, "record analysis error", "agent", agent.ID)
	}
}
