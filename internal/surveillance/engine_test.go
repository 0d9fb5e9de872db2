package surveillance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/identity"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/risk"
)

type fakeLifecycle struct {
	mu         sync.Mutex
	agents     []*lifecycle.Agent
	offline    []string
	deltas     map[string]int
	violations []lifecycle.ViolationReport
}

func newFakeLifecycle(agents ...*lifecycle.Agent) *fakeLifecycle {
	return &fakeLifecycle{agents: agents, deltas: make(map[string]int)}
}

func (f *fakeLifecycle) List(lifecycle.ListFilter) []*lifecycle.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*lifecycle.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

func (f *fakeLifecycle) MarkOffline(_ context.Context, agentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, agentID)
	return nil
}

func (f *fakeLifecycle) ApplyScoreDelta(_ context.Context, agentID string, delta int, _ string) (*lifecycle.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas[agentID] += delta
	return nil, nil
}

func (f *fakeLifecycle) HandleSecurityViolation(_ context.Context, rep lifecycle.ViolationReport) (*lifecycle.ViolationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, rep)
	return &lifecycle.ViolationResult{Outcome: "recorded"}, nil
}

func (f *fakeLifecycle) violationTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, v := range f.violations {
		out = append(out, v.Type)
	}
	return out
}

type fakeLog struct {
	mu       sync.Mutex
	count    int
	countErr error
	history  []audit.Activity
	appended []audit.Activity
}

func (f *fakeLog) Append(_ context.Context, a *audit.Activity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, *a)
	return fmt.Sprintf("act-%d", len(f.appended)), nil
}

func (f *fakeLog) Query(context.Context, audit.Filter) ([]audit.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Activity(nil), f.history...), nil
}

func (f *fakeLog) CountSince(context.Context, string, audit.ActivityType, time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.countErr
}

type stubAnalyzer struct {
	finding Finding
	err     error
	panics  bool
}

func (s *stubAnalyzer) Analyze(context.Context, *lifecycle.Agent, []audit.Activity) (Finding, error) {
	if s.panics {
		panic("analyzer blew up")
	}
	return s.finding, s.err
}

func activeAgent(id string, score int) *lifecycle.Agent {
	return &lifecycle.Agent{
		ID:            id,
		TenantID:      "t1",
		Name:          id,
		Type:          "data_processor",
		Status:        lifecycle.StatusActive,
		SecurityScore: score,
		LastHeartbeat: time.Now().UTC(),
	}
}

func newEngine(lc Lifecycle, log ActivityLog, analyzer Analyzer, clock identity.Clock, cfg Config) *Engine {
	return New(lc, log, analyzer, nil, clock, cfg, logr.Discard())
}

func TestHeartbeatTimeoutMarksOffline(t *testing.T) {
	clock := identity.NewManual(time.Now())

	stale := activeAgent("stale", 100)
	stale.LastHeartbeat = clock.Now().Add(-10 * time.Minute)
	fresh := activeAgent("fresh", 100)
	fresh.LastHeartbeat = clock.Now().Add(-time.Minute)

	lc := newFakeLifecycle(stale, fresh)
	e := newEngine(lc, &fakeLog{}, nil, clock, Config{HeartbeatTimeout: 5 * time.Minute})

	rep := e.RunCycle(context.Background())
	if rep.AgentsChecked != 2 {
		t.Fatalf("checked %d agents, want 2", rep.AgentsChecked)
	}
	if rep.WentOffline != 1 {
		t.Fatalf("%d went offline, want 1", rep.WentOffline)
	}
	if len(lc.offline) != 1 || lc.offline[0] != "stale" {
		t.Fatalf("offline calls: %v", lc.offline)
	}

	ar, ok := e.AgentReportFor("stale")
	if !ok || !ar.WentOffline {
		t.Fatalf("stale agent report: %+v", ar)
	}
}

func TestSustainedBreachRaisesMediumViolation(t *testing.T) {
	hot := activeAgent("hot", 100)
	hot.LastMetrics = lifecycle.HeartbeatMetrics{CPUPercent: 95}

	lc := newFakeLifecycle(hot)
	e := newEngine(lc, &fakeLog{}, nil, nil, Config{SustainedBreachCycles: 3})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e.RunCycle(ctx)
		if got := lc.violationTypes(); len(got) != 0 {
			t.Fatalf("cycle %d raised %v before the streak was sustained", i+1, got)
		}
	}

	e.RunCycle(ctx)
	vt := lc.violationTypes()
	if len(vt) != 1 || vt[0] != "resource_exhaustion" {
		t.Fatalf("violations after 3 cycles: %v", vt)
	}
	if lc.violations[0].Severity != risk.Medium {
		t.Fatalf("severity %s, want medium", lc.violations[0].Severity)
	}

	// The streak resets after firing; the next cycle starts over.
	e.RunCycle(ctx)
	if got := lc.violationTypes(); len(got) != 1 {
		t.Fatalf("streak did not reset: %v", got)
	}

	ar, _ := e.AgentReportFor("hot")
	if ar.Healthy {
		t.Fatal("breaching agent reported healthy")
	}
}

func TestBreachStreakClearsOnRecovery(t *testing.T) {
	agent := activeAgent("flappy", 100)
	agent.LastMetrics = lifecycle.HeartbeatMetrics{MemoryPercent: 95}

	lc := newFakeLifecycle(agent)
	e := newEngine(lc, &fakeLog{}, nil, nil, Config{SustainedBreachCycles: 3})

	ctx := context.Background()
	e.RunCycle(ctx)
	e.RunCycle(ctx)

	// Recovery wipes the streak.
	lc.mu.Lock()
	lc.agents[0].LastMetrics = lifecycle.HeartbeatMetrics{MemoryPercent: 40}
	lc.mu.Unlock()
	e.RunCycle(ctx)

	lc.mu.Lock()
	lc.agents[0].LastMetrics = lifecycle.HeartbeatMetrics{MemoryPercent: 95}
	lc.mu.Unlock()
	e.RunCycle(ctx)
	e.RunCycle(ctx)

	if got := lc.violationTypes(); len(got) != 0 {
		t.Fatalf("violation fired across a recovery gap: %v", got)
	}
}

func TestAPIBurstRaisesViolation(t *testing.T) {
	lc := newFakeLifecycle(activeAgent("busy", 100))
	e := newEngine(lc, &fakeLog{count: 150}, nil, nil, Config{RateBurstPerWindow: 120})

	e.RunCycle(context.Background())

	vt := lc.violationTypes()
	if len(vt) != 1 || vt[0] != "api_burst" {
		t.Fatalf("violations: %v", vt)
	}
	ar, _ := e.AgentReportFor("busy")
	if ar.ActivityCount != 150 {
		t.Fatalf("activity count %d, want 150", ar.ActivityCount)
	}
}

func TestGoodBehaviorTickIsSpaced(t *testing.T) {
	clock := identity.NewManual(time.Now())
	lc := newFakeLifecycle(activeAgent("steady", 80))
	e := newEngine(lc, &fakeLog{}, nil, clock, Config{GoodBehaviorEvery: 24 * time.Hour})

	ctx := context.Background()
	e.RunCycle(ctx)
	if lc.deltas["steady"] != lifecycle.DeltaGoodBehavior {
		t.Fatalf("first clean cycle delta %d", lc.deltas["steady"])
	}

	// A second clean cycle inside the spacing window earns nothing.
	clock.Advance(time.Hour)
	e.RunCycle(ctx)
	if lc.deltas["steady"] != lifecycle.DeltaGoodBehavior {
		t.Fatalf("bonus not spaced: %d", lc.deltas["steady"])
	}

	clock.Advance(24 * time.Hour)
	e.RunCycle(ctx)
	if lc.deltas["steady"] != 2*lifecycle.DeltaGoodBehavior {
		t.Fatalf("bonus after spacing: %d", lc.deltas["steady"])
	}
}

func TestGoodBehaviorSkipsFullScore(t *testing.T) {
	lc := newFakeLifecycle(activeAgent("perfect", 100))
	e := newEngine(lc, &fakeLog{}, nil, nil, Config{})

	e.RunCycle(context.Background())
	if lc.deltas["perfect"] != 0 {
		t.Fatalf("full-score agent got a bonus: %d", lc.deltas["perfect"])
	}
}

func TestBehaviorAnalysisGatesOnScoreAndConfidence(t *testing.T) {
	cases := []struct {
		name    string
		finding Finding
		want    int
		wantSev risk.Level
	}{
		{
			name:    "confident critical anomaly",
			finding: Finding{IsAnomaly: true, Score: 0.95, Confidence: 0.9},
			want:    1,
			wantSev: risk.Critical,
		},
		{
			name:    "confident high anomaly",
			finding: Finding{IsAnomaly: true, Score: 0.85, Confidence: 0.85},
			want:    1,
			wantSev: risk.High,
		},
		{
			name:    "confident medium anomaly",
			finding: Finding{IsAnomaly: true, Score: 0.75, Confidence: 0.8},
			want:    1,
			wantSev: risk.Medium,
		},
		{
			name:    "low confidence is ignored",
			finding: Finding{IsAnomaly: true, Score: 0.95, Confidence: 0.5},
			want:    0,
		},
		{
			name:    "sub-threshold score is ignored",
			finding: Finding{IsAnomaly: true, Score: 0.6, Confidence: 0.9},
			want:    0,
		},
		{
			name:    "non-anomaly is ignored",
			finding: Finding{IsAnomaly: false, Score: 0.95, Confidence: 0.95},
			want:    0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lc := newFakeLifecycle(activeAgent("subject", 100))
			e := newEngine(lc, &fakeLog{}, &stubAnalyzer{finding: tc.finding}, nil,
				Config{EnableBehaviorAnalysis: true})

			e.RunCycle(context.Background())

			if got := len(lc.violations); got != tc.want {
				t.Fatalf("%d violations, want %d", got, tc.want)
			}
			if tc.want == 1 {
				if lc.violations[0].Type != "behavioral_anomaly" {
					t.Fatalf("type %q", lc.violations[0].Type)
				}
				if lc.violations[0].Severity != tc.wantSev {
					t.Fatalf("severity %s, want %s", lc.violations[0].Severity, tc.wantSev)
				}
			}

			ar, _ := e.AgentReportFor("subject")
			if ar.Finding == nil {
				t.Fatal("finding not attached to the agent report")
			}
		})
	}
}

func TestAnalyzerFailureIsIsolated(t *testing.T) {
	log := &fakeLog{}
	lc := newFakeLifecycle(activeAgent("broken", 100), activeAgent("fine", 100))
	e := newEngine(lc, log, &stubAnalyzer{err: errors.New("model unavailable")}, nil,
		Config{EnableBehaviorAnalysis: true})

	rep := e.RunCycle(context.Background())
	if rep.AgentsChecked != 2 {
		t.Fatalf("checked %d agents, want 2", rep.AgentsChecked)
	}
	if rep.Errors != 2 {
		t.Fatalf("%d errors recorded, want 2", rep.Errors)
	}

	// Each failure left an error activity on the agent's chain.
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.appended) != 2 {
		t.Fatalf("%d error activities, want 2", len(log.appended))
	}
	for _, a := range log.appended {
		if a.Type != audit.TypeError || a.Category != "surveillance_analysis_failed" {
			t.Fatalf("error activity %+v", a)
		}
	}
}

func TestAnalyzerPanicIsRecovered(t *testing.T) {
	lc := newFakeLifecycle(activeAgent("bomb", 100), activeAgent("fine", 100))
	e := newEngine(lc, &fakeLog{}, &stubAnalyzer{panics: true}, nil,
		Config{EnableBehaviorAnalysis: true})

	rep := e.RunCycle(context.Background())
	if rep.AgentsChecked != 2 {
		t.Fatalf("panic aborted the cycle: checked %d", rep.AgentsChecked)
	}

	ar, _ := e.AgentReportFor("bomb")
	if ar.Err == "" {
		t.Fatal("panic not surfaced in the agent report")
	}
	if other, _ := e.AgentReportFor("fine"); other == nil || other.Err != "" {
		t.Fatalf("healthy agent affected by sibling panic: %+v", other)
	}
}

func TestStopCancelsBetweenAgents(t *testing.T) {
	var agents []*lifecycle.Agent
	for i := 0; i < 20; i++ {
		agents = append(agents, activeAgent(fmt.Sprintf("a%d", i), 100))
	}
	lc := newFakeLifecycle(agents...)
	e := newEngine(lc, &fakeLog{}, nil, nil, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := e.RunCycle(ctx)
	if rep.AgentsChecked != 0 {
		t.Fatalf("cancelled cycle still checked %d agents", rep.AgentsChecked)
	}
}

func TestStatAnalyzerScoresErrorAndRiskShare(t *testing.T) {
	a := &StatAnalyzer{}
	ctx := context.Background()

	clean := make([]audit.Activity, 20)
	for i := range clean {
		clean[i] = audit.Activity{Type: audit.TypeInteraction, RiskLevel: risk.Low}
	}
	f, err := a.Analyze(ctx, nil, clean)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if f.IsAnomaly || f.Score != 0 || f.Confidence != 1 {
		t.Fatalf("clean history: %+v", f)
	}

	noisy := make([]audit.Activity, 20)
	for i := range noisy {
		noisy[i] = audit.Activity{Type: audit.TypeError, RiskLevel: risk.High}
	}
	f, err = a.Analyze(ctx, nil, noisy)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !f.IsAnomaly || f.Score != 1 {
		t.Fatalf("noisy history: %+v", f)
	}

	// Empty history has zero confidence, so the engine would never act on it.
	f, _ = a.Analyze(ctx, nil, nil)
	if f.Confidence != 0 {
		t.Fatalf("empty history confidence %.2f", f.Confidence)
	}
}
