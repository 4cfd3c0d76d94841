package rest

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/service/governance"
)

const maxBodySize = 1 << 20 // 1MB

// Handler exposes the governance engine over HTTP.
type Handler struct {
	engine *governance.Engine
	logger *zap.Logger
}

// NewHandler creates the REST handler.
func NewHandler(engine *governance.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes mounts all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("POST /api/v1/operations/assess", h.handleAssess)
	mux.HandleFunc("POST /api/v1/operations/{id}/outcome", h.handleOutcome)
	mux.HandleFunc("POST /api/v1/operations/{id}/rollback", h.handleRollback)

	mux.HandleFunc("POST /api/v1/approvals", h.handleRequestApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", h.handleReject)
	mux.HandleFunc("GET /api/v1/approvals/pending", h.handlePendingApprovals)

	mux.HandleFunc("GET /healthz", h.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func (h *Handler) handleAssess(w http.ResponseWriter, r *http.Request) {
	var dto AssessRequest
	if !h.decode(w, r, &dto) {
		return
	}

	req, err := dto.ToOperation()
	if err != nil {
		writeValidationError(w, err)
		return
	}

	sa, err := h.engine.Assess(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sa)
}

func (h *Handler) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var dto ApprovalRequest
	if !h.decode(w, r, &dto) {
		return
	}

	operationID, err := uuid.Parse(dto.OperationID)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	ar, err := h.engine.RequestApprovalForOperation(r.Context(), operationID, dto.Justification)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ar.Snapshot())
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	approvalID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var dto ResolveRequest
	if !h.decode(w, r, &dto) {
		return
	}

	approverID, err := uuid.Parse(dto.ApproverID)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	role, err := operation.ParseRole(dto.ApproverRole)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	res := h.engine.Approve(r.Context(), approvalID, approverID, role)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	approvalID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var dto ResolveRequest
	if !h.decode(w, r, &dto) {
		return
	}

	approverID, err := uuid.Parse(dto.ApproverID)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	res := h.engine.Reject(r.Context(), approvalID, approverID, dto.Reason)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// handlePendingApprovals lists pending approvals, either those opened by a
// user (?user_id=) or those a role may resolve (?role=).
func (h *Handler) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	if userParam := r.URL.Query().Get("user_id"); userParam != "" {
		userID, err := uuid.Parse(userParam)
		if err != nil {
			writeValidationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.engine.GetPendingApprovals(userID))
		return
	}

	if roleParam := r.URL.Query().Get("role"); roleParam != "" {
		role, err := operation.ParseRole(roleParam)
		if err != nil {
			writeValidationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.engine.GetApprovalsForRole(role))
		return
	}

	writeError(w, h.logger, apperrors.NewValidationError("MISSING_FILTER",
		"either user_id or role query parameter is required"))
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	operationID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var dto RollbackRequest
	if !h.decode(w, r, &dto) {
		return
	}

	actorID, err := uuid.Parse(dto.ActorID)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	if h.engine.PerformRollback(r.Context(), operationID, dto.Reason, actorID) {
		writeJSON(w, http.StatusOK, map[string]bool{"rolled_back": true})
		return
	}
	writeJSON(w, http.StatusConflict, map[string]bool{"rolled_back": false})
}

func (h *Handler) handleOutcome(w http.ResponseWriter, r *http.Request) {
	operationID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var dto OutcomeRequest
	if !h.decode(w, r, &dto) {
		return
	}

	userID, err := uuid.Parse(dto.UserID)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	outcome, err := operation.ParseOutcome(dto.Outcome)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	h.engine.RecordOutcome(r.Context(), operationID, userID, outcome)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetHealthStatus())
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeValidationError(w, err)
		return uuid.Nil, false
	}
	return id, true
}
