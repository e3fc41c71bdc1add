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
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jubok/foundation-backend/internal/audit"
	"github.com/jubok/foundation-backend/internal/middleware"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/lib/pq"
)

const summaryCacheKey = "fund:summary"
const summaryCacheTTL = 30 * time.Second

// FundLedgerService owns the append-only fund ledger. Every append locks the
// single fund_balance row, so concurrent writers are serialized and each
// entry's balance snapshot follows from the immediately preceding one.
type FundLedgerService struct {
	db        *sql.DB
	redis     *redis.Client
	audit     *audit.AuditLogger
	validator *ValidationHelper
}

func NewFundLedgerService(db *sql.DB, redisClient *redis.Client) *FundLedgerService {
	return &FundLedgerService{
		db:        db,
		redis:     redisClient,
		audit:     audit.NewAuditLogger(),
		validator: NewValidationHelper(),
	}
}

// AppendEntry records one ledger entry in its own database transaction.
func (s *FundLedgerService) AppendEntry(entryType models.TransactionType, amount int64, reason string, actorID int, paymentID *int, evidenceImages []string) (*models.FundTransaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.AppendEntryTx(tx, entryType, amount, reason, actorID, paymentID, evidenceImages)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.InvalidateSummary(context.Background())
	return entry, nil
}

// AppendEntryTx records one ledger entry inside the caller's transaction.
// The fund_balance row is locked FOR UPDATE before the balance is read, so
// the read-validate-insert sequence is atomic. An EXPENSE that would push the
// balance below zero is rejected, and a payment reference that already has a
// ledger entry is rejected.
func (s *FundLedgerService) AppendEntryTx(tx *sql.Tx, entryType models.TransactionType, amount int64, reason string, actorID int, paymentID *int, evidenceImages []string) (*models.FundTransaction, error) {
	if entryType != models.TransactionIncome && entryType != models.TransactionExpense {
		return nil, fmt.Errorf("unknown transaction type %q", entryType)
	}

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, version, err := s.lockBalance(tx)
	if err != nil {
		return nil, err
	}

	newBalance := balance
	if entryType == models.TransactionIncome {
		newBalance += amount
	} else {
		newBalance -= amount
	}

	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}

	if paymentID != nil {
		var exists bool
		err := tx.QueryRow(`
			SELECT EXISTS(SELECT 1 FROM fund_transactions WHERE payment_id = $1)`,
			*paymentID).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrPaymentAlreadyRecorded
		}
	}

	if evidenceImages == nil {
		evidenceImages = []string{}
	}

	entry := &models.FundTransaction{
		Type:            entryType,
		Amount:          amount,
		Reason:          reason,
		BalanceSnapshot: newBalance,
		PaymentID:       paymentID,
		CreatedBy:       actorID,
		EvidenceImages:  evidenceImages,
	}

	err = tx.QueryRow(`
		INSERT INTO fund_transactions (type, amount, reason, balance_snapshot, payment_id, created_by, evidence_images, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`,
		entry.Type, entry.Amount, entry.Reason, entry.BalanceSnapshot,
		entry.PaymentID, entry.CreatedBy, pq.Array(evidenceImages)).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := s.updateBalance(tx, newBalance, version); err != nil {
		return nil, err
	}

	s.audit.LogLedger(string(entryType), reason, actorID, amount, newBalance)
	return entry, nil
}

// lockBalance seeds the balance row on first use, so a fresh database starts
// at zero, then takes the row lock that serializes appends.
func (s *FundLedgerService) lockBalance(tx *sql.Tx) (int64, int, error) {
	_, err := tx.Exec(`
		INSERT INTO fund_balance (id, balance, version, updated_at)
		VALUES (1, 0, 0, NOW())
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, 0, err
	}

	var balance int64
	var version int
	err = tx.QueryRow(`
		SELECT balance, version FROM fund_balance WHERE id = 1 FOR UPDATE`).
		Scan(&balance, &version)
	return balance, version, err
}

func (s *FundLedgerService) updateBalance(tx *sql.Tx, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE fund_balance
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = 1 AND version = $3`,
		newBalance, time.Now(), version)

	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for fund balance")
	}

	return nil
}

// InvalidateSummary drops the cached fund summary. Callers that append inside
// their own transaction must invoke this after commit.
func (s *FundLedgerService) InvalidateSummary(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, summaryCacheKey).Err(); err != nil {
		log.Printf("[FUND] Failed to invalidate summary cache: %v", err)
	}
}

// GetSummaryData aggregates income/expense totals by type and reads the
// current balance from the latest entry's snapshot. The two figures are not
// cross-validated; the append path is the only writer.
func (s *FundLedgerService) GetSummaryData(ctx context.Context) (*models.FundSummary, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, summaryCacheKey).Result(); err == nil {
			var summary models.FundSummary
			if err := json.Unmarshal([]byte(cached), &summary); err == nil {
				return &summary, nil
			}
		}
	}

	summary := &models.FundSummary{}
	err := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN type = 'INCOME' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'EXPENSE' THEN amount ELSE 0 END), 0)
		FROM fund_transactions`).
		Scan(&summary.TotalIncome, &summary.TotalExpense)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT balance_snapshot FROM fund_transactions
		ORDER BY created_at DESC, id DESC
		LIMIT 1`).Scan(&summary.CurrentBalance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(summary); err == nil {
			if err := s.redis.Set(ctx, summaryCacheKey, data, summaryCacheTTL).Err(); err != nil {
				log.Printf("[FUND] Failed to cache summary: %v", err)
			}
		}
	}

	return summary, nil
}

// GetHistoryData returns ledger entries newest first with the total count.
func (s *FundLedgerService) GetHistoryData(page, limit int) ([]models.FundTransaction, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	rows, err := s.db.Query(`
		SELECT id, type, amount, reason, balance_snapshot, payment_id, created_by, evidence_images, created_at
		FROM fund_transactions
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []models.FundTransaction{}
	for rows.Next() {
		var entry models.FundTransaction
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.Amount, &entry.Reason,
			&entry.BalanceSnapshot, &entry.PaymentID, &entry.CreatedBy,
			&entry.EvidenceImages, &entry.CreatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fund_transactions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// AddTransaction records a direct INCOME/EXPENSE ledger entry
// @Summary Record a fund transaction
// @Description Append an income or expense entry to the fund ledger (admin only)
// @Tags funds
// @Accept json
// @Produce json
// @Param transaction body object{type=string,amount=int,reason=string,evidence_images=[]string} true "Transaction data"
// @Success 201 {object} models.FundTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /funds/transaction [post]
func (s *FundLedgerService) AddTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Type           models.TransactionType `json:"type" validate:"required,oneof=INCOME EXPENSE"`
		Amount         int64                  `json:"amount" validate:"required,gt=0"`
		Reason         string                 `json:"reason" validate:"required,max=500"`
		EvidenceImages []string               `json:"evidence_images" validate:"omitempty,dive,url"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

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

	entry, err := s.AppendEntry(req.Type, req.Amount, req.Reason, userID, nil, req.EvidenceImages)
	if err != nil {
		switch err {
		case ErrInsufficientFunds:
			SendErrorResponse(w, ErrInsufficientFunds.Error(), http.StatusBadRequest, nil)
		case ErrInvalidAmount:
			SendErrorResponse(w, ErrInvalidAmount.Error(), http.StatusBadRequest, nil)
		default:
			log.Printf("[FUND] Failed to append ledger entry: %v", err)
			s.audit.LogError("ledger-append", userID, err)
			SendErrorResponse(w, "Failed to record transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	WriteJSON(w, http.StatusCreated, entry)
}

// GetSummary returns fund totals and current balance
// @Summary Get fund summary
// @Description Current balance plus income and expense totals
// @Tags funds
// @Produce json
// @Success 200 {object} models.FundSummary
// @Failure 500 {object} ErrorResponse
// @Router /funds/summary [get]
func (s *FundLedgerService) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.GetSummaryData(r.Context())
	if err != nil {
		log.Printf("[FUND] Failed to fetch summary: %v", err)
		SendErrorResponse(w, "Failed to fetch summary", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, summary)
}

// GetHistory returns paginated ledger history
// @Summary Get fund history
// @Description Ledger entries newest first
// @Tags funds
// @Produce json
// @Param page query int false "Page number (default 1)"
// @Param limit query int false "Entries per page (default 20, max 100)"
// @Success 200 {object} object{transactions=[]models.FundTransaction,total=int,page=int,limit=int}
// @Failure 500 {object} ErrorResponse
// @Router /funds/history [get]
func (s *FundLedgerService) GetHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	entries, total, err := s.GetHistoryData(page, limit)
	if err != nil {
		log.Printf("[FUND] Failed to fetch history: %v", err)
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": entries,
		"total":        total,
		"page":         page,
		"limit":        limit,
	})
}
