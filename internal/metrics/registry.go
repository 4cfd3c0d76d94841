package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all governance metrics for the application.
type Registry struct {
	// Assessment metrics
	AssessmentDuration   prometheus.Histogram
	AssessmentCounter    *prometheus.CounterVec // label: result
	QuotaRejections      prometheus.Counter
	RuleViolationCounter *prometheus.CounterVec // label: rule_id

	// Approval workflow metrics
	AutoApprovals    prometheus.Counter
	ApprovalsCreated prometheus.Counter
	ApprovalResolved *prometheus.CounterVec // label: status
	PendingApprovals prometheus.Gauge
	ApprovalLatency  prometheus.Histogram

	// Rollback metrics
	RollbackExecutions *prometheus.CounterVec // label: status

	// Audit metrics
	AuditWriteFailures prometheus.Counter
	AuditEventsDropped prometheus.Counter
}

// NewRegistry creates and registers all collectors with the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		AssessmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "governance",
			Name:      "assessment_duration_seconds",
			Help:      "Time spent computing a safety assessment",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		AssessmentCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "assessments_total",
			Help:      "Safety assessments by result",
		}, []string{"result"}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by the quota guard",
		}),
		RuleViolationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "rule_violations_total",
			Help:      "Safety rule violations by rule id",
		}, []string{"rule_id"}),
		AutoApprovals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "auto_approvals_total",
			Help:      "Operations auto-approved on trust standing",
		}),
		ApprovalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "approvals_created_total",
			Help:      "Approval requests opened",
		}),
		ApprovalResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "approvals_resolved_total",
			Help:      "Approval requests resolved by final status",
		}, []string{"status"}),
		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "approvals_pending",
			Help:      "Approval requests currently pending",
		}),
		ApprovalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "governance",
			Name:      "approval_resolution_seconds",
			Help:      "Time from approval creation to resolution",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		RollbackExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "rollback_executions_total",
			Help:      "Rollback executions by terminal status",
		}, []string{"status"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "audit_write_failures_total",
			Help:      "Audit events that failed durable write after retries",
		}),
		AuditEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped due to a full buffer",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.AssessmentDuration,
			r.AssessmentCounter,
			r.QuotaRejections,
			r.RuleViolationCounter,
			r.AutoApprovals,
			r.ApprovalsCreated,
			r.ApprovalResolved,
			r.PendingApprovals,
			r.ApprovalLatency,
			r.RollbackExecutions,
			r.AuditWriteFailures,
			r.AuditEventsDropped,
		)
	}

	return r
}
