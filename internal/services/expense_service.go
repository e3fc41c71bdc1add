package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jubok/foundation-backend/internal/audit"
	"github.com/jubok/foundation-backend/internal/middleware"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/lib/pq"
)

// ApproverTier distinguishes a co-signing approval from the final one. The
// HTTP layer maps the caller's role to a tier; the workflow itself never
// inspects roles.
type ApproverTier int

const (
	// TierCoSigner records an approval without finalizing the request.
	TierCoSigner ApproverTier = iota + 1
	// TierFinal finalizes the request and disburses from the fund.
	TierFinal
)

// ExpenseService runs the two-tier expense approval workflow. Final approval
// and the EXPENSE ledger entry share one transaction, so a request is never
// APPROVED without its disbursement recorded.
type ExpenseService struct {
	db        *sql.DB
	ledger    *FundLedgerService
	notifier  Notifier
	audit     *audit.AuditLogger
	validator *ValidationHelper
}

func NewExpenseService(db *sql.DB, ledger *FundLedgerService, notifier Notifier) *ExpenseService {
	return &ExpenseService{
		db:        db,
		ledger:    ledger,
		notifier:  notifier,
		audit:     audit.NewAuditLogger(),
		validator: NewValidationHelper(),
	}
}

type SubmitExpenseRequest struct {
	Amount         int64    `json:"amount" validate:"required,gt=0"`
	Reason         string   `json:"reason" validate:"required,max=500"`
	EvidenceImages []string `json:"evidence_images" validate:"omitempty,dive,url"`
}

// SubmitExpenseData creates a PENDING expense request. The fund balance is
// not checked here; sufficiency is decided at final approval time.
func (s *ExpenseService) SubmitExpenseData(requesterID int, req SubmitExpenseRequest) (*models.ExpenseRequest, error) {
	evidenceImages := req.EvidenceImages
	if evidenceImages == nil {
		evidenceImages = []string{}
	}

	request := &models.ExpenseRequest{
		RequesterID:    requesterID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		EvidenceImages: evidenceImages,
		Status:         models.ExpensePending,
		Approvals:      pq.Int64Array{},
	}

	err := s.db.QueryRow(`
		INSERT INTO expense_requests (requester_id, amount, reason, evidence_images, status, approvals, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		request.RequesterID, request.Amount, request.Reason,
		pq.Array(evidenceImages), request.Status, request.Approvals).
		Scan(&request.ID, &request.CreatedAt, &request.UpdatedAt)
	if err != nil {
		return nil, err
	}

	go s.notifier.Notify(nil,
		"New expense request",
		fmt.Sprintf("Expense request #%d for %d is awaiting approval.", request.ID, request.Amount))

	return request, nil
}

// ApproveExpenseData applies one approval at the given tier. A co-signer
// approval appends to the approvals list; a final approval flips the request
// to APPROVED and writes the EXPENSE ledger entry in the same transaction.
// Insufficient funds fails the approval and leaves the request PENDING.
func (s *ExpenseService) ApproveExpenseData(requestID, approverID int, tier ApproverTier) (*models.ExpenseRequest, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	request, err := s.lockRequest(tx, requestID)
	if err != nil {
		return nil, err
	}

	if request.Status != models.ExpensePending {
		return nil, ErrRequestNotPending
	}

	switch tier {
	case TierCoSigner:
		for _, id := range request.Approvals {
			if int(id) == approverID {
				return nil, ErrDuplicateApproval
			}
		}
		request.Approvals = append(request.Approvals, int64(approverID))

		_, err = tx.Exec(`
			UPDATE expense_requests SET approvals = $1, updated_at = NOW() WHERE id = $2`,
			request.Approvals, request.ID)
		if err != nil {
			return nil, err
		}

	case TierFinal:
		reason := fmt.Sprintf("Expense request #%d: %s", request.ID, request.Reason)
		if _, err := s.ledger.AppendEntryTx(tx, models.TransactionExpense, request.Amount, reason, approverID, nil, request.EvidenceImages); err != nil {
			return nil, err
		}

		request.Status = models.ExpenseApproved
		request.FinalApprovedBy = &approverID

		_, err = tx.Exec(`
			UPDATE expense_requests SET status = $1, final_approved_by = $2, updated_at = NOW() WHERE id = $3`,
			request.Status, approverID, request.ID)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown approver tier %d", tier)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if request.Status == models.ExpenseApproved {
		s.ledger.InvalidateSummary(context.Background())
		go s.notifier.Notify(&request.RequesterID,
			"Expense approved",
			fmt.Sprintf("Your expense request #%d for %d has been approved and disbursed.", request.ID, request.Amount))
	}

	return request, nil
}

// RejectExpenseData rejects a PENDING request with a reason. No ledger entry
// is written and any accumulated co-signer approvals are kept for the record.
func (s *ExpenseService) RejectExpenseData(requestID, approverID int, reason string) (*models.ExpenseRequest, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	request, err := s.lockRequest(tx, requestID)
	if err != nil {
		return nil, err
	}

	if request.Status != models.ExpensePending {
		return nil, ErrRequestNotPending
	}

	request.Status = models.ExpenseRejected
	request.RejectionReason = reason

	_, err = tx.Exec(`
		UPDATE expense_requests SET status = $1, rejection_reason = $2, updated_at = NOW() WHERE id = $3`,
		request.Status, reason, request.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	go s.notifier.Notify(&request.RequesterID,
		"Expense rejected",
		fmt.Sprintf("Your expense request #%d was rejected: %s", request.ID, reason))

	return request, nil
}

func (s *ExpenseService) lockRequest(tx *sql.Tx, requestID int) (*models.ExpenseRequest, error) {
	request := &models.ExpenseRequest{}
	var rejectionReason sql.NullString
	err := tx.QueryRow(`
		SELECT id, requester_id, amount, reason, evidence_images, status, approvals,
		       final_approved_by, rejection_reason, created_at, updated_at
		FROM expense_requests
		WHERE id = $1
		FOR UPDATE`, requestID).
		Scan(&request.ID, &request.RequesterID, &request.Amount, &request.Reason,
			&request.EvidenceImages, &request.Status, &request.Approvals,
			&request.FinalApprovedBy, &rejectionReason, &request.CreatedAt, &request.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	request.RejectionReason = rejectionReason.String
	return request, nil
}

// ListExpensesData returns expense requests newest first, optionally filtered
// by status, with the total count.
func (s *ExpenseService) ListExpensesData(status string, page, limit int) ([]models.ExpenseRequest, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, requester_id, amount, reason, evidence_images, status, approvals,
		       final_approved_by, COALESCE(rejection_reason, ''), created_at, updated_at
		FROM expense_requests`
	countQuery := `SELECT COUNT(*) FROM expense_requests`

	var args []interface{}
	where := ""
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRow(countQuery+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	requests := []models.ExpenseRequest{}
	for rows.Next() {
		var request models.ExpenseRequest
		if err := rows.Scan(&request.ID, &request.RequesterID, &request.Amount,
			&request.Reason, &request.EvidenceImages, &request.Status,
			&request.Approvals, &request.FinalApprovedBy, &request.RejectionReason,
			&request.CreatedAt, &request.UpdatedAt); err != nil {
			return nil, 0, err
		}
		requests = append(requests, request)
	}

	return requests, total, rows.Err()
}

// approverTierForRole maps a staff role to its approval tier. Unknown roles
// get no tier.
func approverTierForRole(role models.UserRole) (ApproverTier, bool) {
	switch role {
	case models.RoleAdmin:
		return TierCoSigner, true
	case models.RoleSuperAdmin:
		return TierFinal, true
	default:
		return 0, false
	}
}

// SubmitExpense creates an expense request
// @Summary Submit an expense request
// @Description Create a pending expense request for the approval workflow
// @Tags expenses
// @Accept json
// @Produce json
// @Param expense body SubmitExpenseRequest true "Expense data"
// @Success 201 {object} models.ExpenseRequest
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /expenses [post]
func (s *ExpenseService) SubmitExpense(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SubmitExpenseRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	request, err := s.SubmitExpenseData(userID, req)
	if err != nil {
		log.Printf("[EXPENSE] Failed to submit expense for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to submit expense request", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusCreated, request)
}

// ApproveExpense applies one approval at the caller's tier
// @Summary Approve an expense request
// @Description Admins co-sign; super admins finalize and disburse
// @Tags expenses
// @Produce json
// @Param requestId path int true "Expense request ID"
// @Success 200 {object} models.ExpenseRequest
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /expenses/{requestId}/approve [post]
func (s *ExpenseService) ApproveExpense(w http.ResponseWriter, r *http.Request) {
	approverID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	role, _ := r.Context().Value(middleware.UserRoleKey).(models.UserRole)
	tier, ok := approverTierForRole(role)
	if !ok {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	requestID, err := strconv.Atoi(chi.URLParam(r, "requestId"))
	if err != nil {
		SendErrorResponse(w, "Invalid request id", http.StatusBadRequest, nil)
		return
	}

	request, err := s.ApproveExpenseData(requestID, approverID, tier)
	if err != nil {
		switch err {
		case ErrNotFound:
			SendErrorResponse(w, "Expense request not found", http.StatusNotFound, nil)
		case ErrRequestNotPending:
			SendErrorResponse(w, ErrRequestNotPending.Error(), http.StatusConflict, nil)
		case ErrDuplicateApproval:
			SendErrorResponse(w, ErrDuplicateApproval.Error(), http.StatusConflict, nil)
		case ErrInsufficientFunds:
			SendErrorResponse(w, ErrInsufficientFunds.Error(), http.StatusBadRequest, nil)
		default:
			log.Printf("[EXPENSE] Failed to approve request %d: %v", requestID, err)
			s.audit.LogError(strconv.Itoa(requestID), approverID, err)
			SendErrorResponse(w, "Failed to approve expense request", http.StatusInternalServerError, nil)
		}
		return
	}

	WriteJSON(w, http.StatusOK, request)
}

// RejectExpense rejects a pending expense request
// @Summary Reject an expense request
// @Tags expenses
// @Accept json
// @Produce json
// @Param requestId path int true "Expense request ID"
// @Param rejection body object{reason=string} true "Rejection reason"
// @Success 200 {object} models.ExpenseRequest
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /expenses/{requestId}/reject [post]
func (s *ExpenseService) RejectExpense(w http.ResponseWriter, r *http.Request) {
	approverID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	requestID, err := strconv.Atoi(chi.URLParam(r, "requestId"))
	if err != nil {
		SendErrorResponse(w, "Invalid request id", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"required,max=500"`
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 65536))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	request, err := s.RejectExpenseData(requestID, approverID, req.Reason)
	if err != nil {
		switch err {
		case ErrNotFound:
			SendErrorResponse(w, "Expense request not found", http.StatusNotFound, nil)
		case ErrRequestNotPending:
			SendErrorResponse(w, ErrRequestNotPending.Error(), http.StatusConflict, nil)
		default:
			log.Printf("[EXPENSE] Failed to reject request %d: %v", requestID, err)
			SendErrorResponse(w, "Failed to reject expense request", http.StatusInternalServerError, nil)
		}
		return
	}

	WriteJSON(w, http.StatusOK, request)
}

// ListExpenses returns paginated expense requests
// @Summary List expense requests
// @Tags expenses
// @Produce json
// @Param status query string false "Filter by status"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} object{requests=[]models.ExpenseRequest,total=int,page=int,limit=int}
// @Failure 500 {object} ErrorResponse
// @Router /expenses [get]
func (s *ExpenseService) ListExpenses(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	requests, total, err := s.ListExpensesData(status, page, limit)
	if err != nil {
		log.Printf("[EXPENSE] Failed to list expense requests: %v", err)
		SendErrorResponse(w, "Failed to fetch expense requests", http.StatusInternalServerError, nil)
		return
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}
