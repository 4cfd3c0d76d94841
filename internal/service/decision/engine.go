package decision

import (
	"context"

	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/service/assessment"
	"github.com/marketsage/governance/internal/service/trust"
)

// Config tunes auto-approval eligibility.
type Config struct {
	ConfidenceThreshold float64 // minimum confidence for auto-approval
	MinTrustScore       float64
	MinSuccessRate      float64
}

// DefaultConfig returns the stock decision thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.8,
		MinTrustScore:       0.7,
		MinSuccessRate:      0.8,
	}
}

// Confidence signal weights. The four signals sum to 1.0.
const (
	weightSignatureMatch = 0.3
	weightTrustScore     = 0.3
	weightSuccessRate    = 0.2
	weightLowRisk        = 0.2
)

// Evaluation is the decision engine's verdict for one assessed request.
type Evaluation struct {
	AutoApproved bool     `json:"auto_approved"`
	Confidence   float64  `json:"confidence"`
	TrustScore   float64  `json:"trust_score"`
	Signals      []string `json:"signals,omitempty"`
	Reason       string   `json:"reason"`
}

// Engine decides whether an assessment requiring approval can be
// auto-approved on the requester's trust standing, or must escalate to a
// human. Critical and high risk can never auto-approve: that is a hard
// ceiling, not a weighted factor.
type Engine struct {
	cfg    Config
	trust  *trust.Store
	logger *zap.Logger
}

// NewEngine creates a decision engine.
func NewEngine(cfg Config, trustStore *trust.Store, logger *zap.Logger) *Engine {
	if cfg.ConfidenceThreshold <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, trust: trustStore, logger: logger}
}

// Evaluate computes the trust-weighted confidence and the auto-approval
// verdict, then feeds the decision back into the trust store as a new
// learning pattern.
func (e *Engine) Evaluate(ctx context.Context, req *operation.Request, sa *assessment.SafetyAssessment) Evaluation {
	ev := Evaluation{
		TrustScore: e.trust.Score(req.RequesterID),
	}

	signature := req.Signature()
	successRate := e.trust.SuccessRate(req.RequesterID)

	trustEligible := ev.TrustScore >= e.cfg.MinTrustScore
	successEligible := successRate >= e.cfg.MinSuccessRate

	if e.trust.MatchesHabit(req.RequesterID, signature) {
		ev.Confidence += weightSignatureMatch
		ev.Signals = append(ev.Signals, "signature_match")
	}
	if trustEligible {
		ev.Confidence += weightTrustScore
		ev.Signals = append(ev.Signals, "trust_score")
	}
	if successEligible {
		ev.Confidence += weightSuccessRate
		ev.Signals = append(ev.Signals, "success_rate")
	}
	if sa.RiskLevel == operation.RiskLow || (sa.RiskLevel == operation.RiskMedium && trustEligible) {
		ev.Confidence += weightLowRisk
		ev.Signals = append(ev.Signals, "acceptable_risk")
	}

	switch {
	case sa.RiskLevel >= operation.RiskHigh:
		ev.Reason = "risk level " + sa.RiskLevel.String() + " can never auto-approve"
	case len(sa.Restrictions) > 0:
		ev.Reason = "hard restrictions present"
	case !trustEligible || !successEligible:
		ev.Reason = "trust or success-rate eligibility not met"
	case ev.Confidence < e.cfg.ConfidenceThreshold:
		ev.Reason = "confidence below threshold"
	default:
		ev.AutoApproved = true
		ev.Reason = "auto-approved on trust standing"
	}

	e.trust.RecordDecision(ctx, req.RequesterID, req.ID, signature, sa.RiskLevel, ev.AutoApproved)

	e.logger.Debug("decision evaluated",
		zap.String("operation_id", req.ID.String()),
		zap.Float64("confidence", ev.Confidence),
		zap.Bool("auto_approved", ev.AutoApproved),
		zap.String("reason", ev.Reason))

	return ev
}
