package surveillance

import (
	"context"
	"fmt"

	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/risk"
)

// StatAnalyzer is the built-in behavior analyzer. It scores an agent's
// recent history on error density and the share of high-risk activity;
// operators wanting model-backed analysis plug in their own Analyzer.
type StatAnalyzer struct {
	// ErrorShareCeiling is the error fraction treated as a full anomaly
	// signal. Default 0.5.
	ErrorShareCeiling float64
	// RiskShareCeiling is the high-or-worse fraction treated as a full
	// anomaly signal. Default 0.3.
	RiskShareCeiling float64
}

var _ Analyzer = (*StatAnalyzer)(nil)

func (s *StatAnalyzer) Analyze(_ context.Context, _ *lifecycle.Agent, history []audit.Activity) (Finding, error) {
	if len(history) == 0 {
		return Finding{Confidence: 0}, nil
	}

	errCeil := s.ErrorShareCeiling
	if errCeil <= 0 {
		errCeil = 0.5
	}
	riskCeil := s.RiskShareCeiling
	if riskCeil <= 0 {
		riskCeil = 0.3
	}

	var errors, highRisk int
	for _, a := range history {
		if a.Type == audit.TypeError {
			errors++
		}
		if a.RiskLevel.AtLeast(risk.High) {
			highRisk++
		}
	}

	n := float64(len(history))
	errShare := float64(errors) / n
	riskShare := float64(highRisk) / n

	score := errShare/errCeil*0.5 + riskShare/riskCeil*0.5
	if score > 1 {
		score = 1
	}

	// Confidence grows with sample size; 20+ records is a full sample.
	confidence := n / 20
	if confidence > 1 {
		confidence = 1
	}

	return Finding{
		IsAnomaly:  score >= 0.5,
		Score:      score,
		Confidence: confidence,
		Explanation: fmt.Sprintf("%d/%d errors, %d/%d high-risk in window",
			errors, len(history), highRisk, len(history)),
	}, nil
}
