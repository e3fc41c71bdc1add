package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jubok/foundation-backend/internal/audit"
	"github.com/jubok/foundation-backend/internal/middleware"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/lib/pq"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
)

// Notifier is the fire-and-forget broadcast side channel. Implementations
// must never block the payment flow.
type Notifier interface {
	Notify(recipient *int, title, message string)
}

// PaymentService owns payment records and the idempotent completion
// orchestrator shared by the gateway webhook, the success-redirect
// verification and admin manual approval.
type PaymentService struct {
	db        *sql.DB
	ledger    *FundLedgerService
	users     UserStore
	notifier  Notifier
	audit     *audit.AuditLogger
	validator *ValidationHelper
}

func NewPaymentService(db *sql.DB, ledger *FundLedgerService, users UserStore, notifier Notifier) *PaymentService {
	return &PaymentService{
		db:        db,
		ledger:    ledger,
		users:     users,
		notifier:  notifier,
		audit:     audit.NewAuditLogger(),
		validator: NewValidationHelper(),
	}
}

// InitiatePaymentRequest is the payload for starting a payment attempt.
// TransactionID is caller-supplied for manual wallet transfers (the payer
// quotes the wallet reference); card payments get a generated one.
type InitiatePaymentRequest struct {
	Amount        int64                 `json:"amount" validate:"required,gt=0"`
	Method        models.PaymentMethod  `json:"method" validate:"required,oneof=bkash nagad bank card"`
	Purpose       models.PaymentPurpose `json:"purpose" validate:"required,oneof=membership monthly_donation project_donation"`
	TransactionID string                `json:"transaction_id" validate:"omitempty,min=6,max=64"`
	SenderNumber  string                `json:"sender_number" validate:"omitempty,max=20"`
}

// InitiatePaymentData creates an INITIATED payment and returns it with the
// gateway checkout URL (empty for manual wallet methods, which are settled by
// admin approval instead of a gateway callback).
func (s *PaymentService) InitiatePaymentData(userID int, req InitiatePaymentRequest) (*models.Payment, string, error) {
	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = uuid.NewString()
	}

	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM payments WHERE transaction_id = $1)`,
		transactionID).Scan(&exists)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", ErrTransactionIDUsed
	}

	payment := &models.Payment{
		UserID:        userID,
		Amount:        req.Amount,
		Method:        req.Method,
		Purpose:       req.Purpose,
		Status:        models.PaymentInitiated,
		TransactionID: transactionID,
		SenderNumber:  req.SenderNumber,
	}

	err = s.db.QueryRow(`
		INSERT INTO payments (user_id, amount, method, purpose, status, transaction_id, sender_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`,
		payment.UserID, payment.Amount, payment.Method, payment.Purpose,
		payment.Status, payment.TransactionID, payment.SenderNumber).
		Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		// A concurrent initiation can slip past the EXISTS check; the unique
		// constraint on transaction_id is the authoritative guard.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, "", ErrTransactionIDUsed
		}
		return nil, "", err
	}

	s.audit.LogPayment(payment.TransactionID, userID, payment.Amount, "INITIATED")
	return payment, s.checkoutURL(payment), nil
}

// checkoutURL builds the gateway redirect for card payments.
func (s *PaymentService) checkoutURL(payment *models.Payment) string {
	if payment.Method != models.MethodCard {
		return ""
	}

	base := viper.GetString("gateway.checkout_url")
	if base == "" {
		return ""
	}

	params := url.Values{}
	params.Set("tran_id", payment.TransactionID)
	params.Set("amount", strconv.FormatInt(payment.Amount, 10))
	return base + "?" + params.Encode()
}

// CompletePayment is the single idempotent completion entry point. One
// database transaction covers the payment status flip, the INCOME ledger
// entry and, for membership fees, the payer's elevation; a failure anywhere
// rolls back all of it. Completing an already-PAID payment returns the
// payment unchanged.
func (s *PaymentService) CompletePayment(paymentID, actorID int) (*models.Payment, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	payment, err := s.lockPayment(tx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status == models.PaymentPaid {
		// Duplicate webhook delivery or double-click; nothing to do.
		return payment, nil
	}

	if payment.Status != models.PaymentInitiated && payment.Status != models.PaymentPending {
		return nil, ErrPaymentNotCompletable
	}

	paidAt := time.Now()
	invoiceNumber := generateInvoiceNumber()

	_, err = tx.Exec(`
		UPDATE payments SET status = $1, paid_at = $2, invoice_number = $3 WHERE id = $4`,
		models.PaymentPaid, paidAt, invoiceNumber, payment.ID)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("Payment approved (%s)", payment.Purpose)
	if _, err := s.ledger.AppendEntryTx(tx, models.TransactionIncome, payment.Amount, reason, actorID, &payment.ID, nil); err != nil {
		return nil, err
	}

	if payment.Purpose == models.PurposeMembership {
		if err := s.users.UpdateRoleAndStatusTx(tx, payment.UserID, models.RoleMember, models.StatusActive); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	payment.Status = models.PaymentPaid
	payment.PaidAt = &paidAt
	payment.InvoiceNumber = invoiceNumber

	s.ledger.InvalidateSummary(context.Background())
	s.audit.LogPayment(payment.TransactionID, payment.UserID, payment.Amount, "PAID")

	go s.notifier.Notify(&payment.UserID,
		"Payment approved",
		fmt.Sprintf("Your %s payment of %d has been confirmed. Invoice %s.", payment.Purpose, payment.Amount, invoiceNumber))

	return payment, nil
}

// completeByTransactionID resolves a gateway transaction id to a payment and
// completes it on the payer's behalf.
func (s *PaymentService) completeByTransactionID(transactionID string) (*models.Payment, error) {
	var paymentID, userID int
	err := s.db.QueryRow(`
		SELECT id, user_id FROM payments WHERE transaction_id = $1`,
		transactionID).Scan(&paymentID, &userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return s.CompletePayment(paymentID, userID)
}

// markTerminal moves an INITIATED/PENDING payment to FAILED or CANCELLED.
// Terminal states are never overwritten.
func (s *PaymentService) markTerminal(transactionID string, status models.PaymentStatus) error {
	result, err := s.db.Exec(`
		UPDATE payments SET status = $1
		WHERE transaction_id = $2 AND status IN ($3, $4)`,
		status, transactionID, models.PaymentInitiated, models.PaymentPending)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	log.Printf("[PAYMENT] Transaction %s marked %s", transactionID, status)
	return nil
}

func (s *PaymentService) lockPayment(tx *sql.Tx, paymentID int) (*models.Payment, error) {
	payment := &models.Payment{}
	var senderNumber, invoiceNumber sql.NullString
	err := tx.QueryRow(`
		SELECT id, user_id, amount, method, purpose, status, transaction_id, sender_number, invoice_number, paid_at, created_at
		FROM payments
		WHERE id = $1
		FOR UPDATE`, paymentID).
		Scan(&payment.ID, &payment.UserID, &payment.Amount, &payment.Method,
			&payment.Purpose, &payment.Status, &payment.TransactionID,
			&senderNumber, &invoiceNumber, &payment.PaidAt, &payment.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	payment.SenderNumber = senderNumber.String
	payment.InvoiceNumber = invoiceNumber.String
	return payment, nil
}

func (s *PaymentService) fetchPayment(paymentID int) (*models.Payment, error) {
	payment := &models.Payment{}
	var senderNumber, invoiceNumber sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, amount, method, purpose, status, transaction_id, sender_number, invoice_number, paid_at, created_at
		FROM payments
		WHERE id = $1`, paymentID).
		Scan(&payment.ID, &payment.UserID, &payment.Amount, &payment.Method,
			&payment.Purpose, &payment.Status, &payment.TransactionID,
			&senderNumber, &invoiceNumber, &payment.PaidAt, &payment.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	payment.SenderNumber = senderNumber.String
	payment.InvoiceNumber = invoiceNumber.String
	return payment, nil
}

// verifyWebhookSignature checks the HMAC-SHA256 of the raw payload against
// the shared gateway secret. Must pass before any state is touched.
func (s *PaymentService) verifyWebhookSignature(body []byte, signature string) bool {
	secret := viper.GetString("gateway.webhook_secret")
	if secret == "" || signature == "" {
		return false
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateInvoiceNumber() string {
	b := make([]byte, 4)
	rand.Read(b)
	random := (int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])) % 900000
	return fmt.Sprintf("INV-%d-%06d", time.Now().Year(), 100000+random)
}

// InitiatePayment starts a payment attempt
// @Summary Initiate a payment
// @Description Create a payment record and return the gateway checkout URL
// @Tags payments
// @Accept json
// @Produce json
// @Param payment body InitiatePaymentRequest true "Payment data"
// @Success 200 {object} object{payment_id=int,transaction_id=string,gateway_url=string}
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /payments/initiate [post]
func (s *PaymentService) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req InitiatePaymentRequest
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

	payment, gatewayURL, err := s.InitiatePaymentData(userID, req)
	if err != nil {
		if err == ErrTransactionIDUsed {
			SendErrorResponse(w, ErrTransactionIDUsed.Error(), http.StatusConflict, nil)
			return
		}
		log.Printf("[PAYMENT] Failed to initiate payment for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"payment_id":     payment.ID,
		"transaction_id": payment.TransactionID,
		"gateway_url":    gatewayURL,
		"message":        "Payment initiated successfully",
	})
}

type gatewayEvent struct {
	TransactionID string `json:"tran_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

// GatewayIPN handles server-to-server gateway callbacks
// @Summary Gateway IPN webhook
// @Description Signed server-to-server payment notification from the gateway
// @Tags payments
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payments/gateway/ipn [post]
func (s *PaymentService) GatewayIPN(w http.ResponseWriter, r *http.Request) {
	event, ok := s.readGatewayEvent(w, r)
	if !ok {
		return
	}

	switch event.Status {
	case "VALID", "SUCCESS":
		payment, err := s.completeByTransactionID(event.TransactionID)
		if err != nil {
			s.sendCompletionError(w, event.TransactionID, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"message": "Payment completed",
			"status":  string(payment.Status),
		})
	case "FAILED":
		s.handleTerminalEvent(w, event.TransactionID, models.PaymentFailed)
	case "CANCELLED":
		s.handleTerminalEvent(w, event.TransactionID, models.PaymentCancelled)
	default:
		SendErrorResponse(w, "Unknown gateway status", http.StatusBadRequest, nil)
	}
}

// GatewaySuccess verifies the signed success redirect and completes the payment
// @Summary Gateway success callback
// @Tags payments
// @Accept json
// @Success 302
// @Failure 401 {object} ErrorResponse
// @Router /payments/gateway/success [post]
func (s *PaymentService) GatewaySuccess(w http.ResponseWriter, r *http.Request) {
	event, ok := s.readGatewayEvent(w, r)
	if !ok {
		return
	}

	payment, err := s.completeByTransactionID(event.TransactionID)
	if err != nil {
		s.sendCompletionError(w, event.TransactionID, err)
		return
	}

	redirect := viper.GetString("gateway.success_redirect")
	if redirect == "" {
		WriteJSON(w, http.StatusOK, map[string]string{"message": "Payment completed", "invoice_number": payment.InvoiceNumber})
		return
	}

	http.Redirect(w, r, fmt.Sprintf("%s?tran_id=%s", redirect, url.QueryEscape(event.TransactionID)), http.StatusFound)
}

// GatewayFail marks a payment failed after a signed gateway failure callback
// @Summary Gateway failure callback
// @Tags payments
// @Accept json
// @Success 200 {object} map[string]string
// @Router /payments/gateway/fail [post]
func (s *PaymentService) GatewayFail(w http.ResponseWriter, r *http.Request) {
	event, ok := s.readGatewayEvent(w, r)
	if !ok {
		return
	}
	s.handleTerminalEvent(w, event.TransactionID, models.PaymentFailed)
}

// GatewayCancel marks a payment cancelled after a signed gateway cancel callback
// @Summary Gateway cancel callback
// @Tags payments
// @Accept json
// @Success 200 {object} map[string]string
// @Router /payments/gateway/cancel [post]
func (s *PaymentService) GatewayCancel(w http.ResponseWriter, r *http.Request) {
	event, ok := s.readGatewayEvent(w, r)
	if !ok {
		return
	}
	s.handleTerminalEvent(w, event.TransactionID, models.PaymentCancelled)
}

// readGatewayEvent verifies the signature header over the raw body and
// decodes the event. Writes the error response itself on failure.
func (s *PaymentService) readGatewayEvent(w http.ResponseWriter, r *http.Request) (*gatewayEvent, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 65536))
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return nil, false
	}

	if !s.verifyWebhookSignature(body, r.Header.Get("X-Gateway-Signature")) {
		log.Printf("[PAYMENT] Webhook signature verification failed from IP: %s", r.RemoteAddr)
		SendErrorResponse(w, "Signature verification failed", http.StatusUnauthorized, nil)
		return nil, false
	}

	var event gatewayEvent
	if err := json.Unmarshal(body, &event); err != nil || event.TransactionID == "" {
		SendErrorResponse(w, "Invalid gateway payload", http.StatusBadRequest, nil)
		return nil, false
	}

	return &event, true
}

func (s *PaymentService) handleTerminalEvent(w http.ResponseWriter, transactionID string, status models.PaymentStatus) {
	if err := s.markTerminal(transactionID, status); err != nil {
		if err == ErrNotFound {
			// Already terminal or unknown; the gateway retries blindly.
			WriteJSON(w, http.StatusOK, map[string]string{"message": "No state change"})
			return
		}
		log.Printf("[PAYMENT] Failed to mark transaction %s %s: %v", transactionID, status, err)
		SendErrorResponse(w, "Failed to update payment", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "Payment " + string(status)})
}

func (s *PaymentService) sendCompletionError(w http.ResponseWriter, reference string, err error) {
	switch err {
	case ErrNotFound:
		SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
	case ErrPaymentNotCompletable:
		SendErrorResponse(w, ErrPaymentNotCompletable.Error(), http.StatusConflict, nil)
	case ErrPaymentAlreadyRecorded:
		SendErrorResponse(w, ErrPaymentAlreadyRecorded.Error(), http.StatusConflict, nil)
	default:
		log.Printf("[PAYMENT] Completion failed for %s: %v", reference, err)
		s.audit.LogError(reference, 0, err)
		SendErrorResponse(w, "Failed to complete payment", http.StatusInternalServerError, nil)
	}
}

// ApprovePayment lets an admin complete a manual payment
// @Summary Approve a payment
// @Description Manually complete a payment; same idempotent routine as the webhook
// @Tags payments
// @Produce json
// @Param paymentId path int true "Payment ID"
// @Success 200 {object} models.Payment
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /payments/{paymentId}/approve [post]
func (s *PaymentService) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	adminID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	paymentID, err := strconv.Atoi(chi.URLParam(r, "paymentId"))
	if err != nil {
		SendErrorResponse(w, "Invalid payment id", http.StatusBadRequest, nil)
		return
	}

	payment, err := s.CompletePayment(paymentID, adminID)
	if err != nil {
		s.sendCompletionError(w, strconv.Itoa(paymentID), err)
		return
	}

	WriteJSON(w, http.StatusOK, payment)
}

// ListPayments returns paginated payments with optional status filter
// @Summary List payments
// @Tags payments
// @Produce json
// @Param status query string false "Filter by status"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} object{payments=[]models.Payment,total=int,page=int,limit=int}
// @Failure 500 {object} ErrorResponse
// @Router /payments [get]
func (s *PaymentService) ListPayments(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	payments, total, err := s.fetchPayments(0, status, page, limit)
	if err != nil {
		log.Printf("[PAYMENT] Failed to list payments: %v", err)
		SendErrorResponse(w, "Failed to fetch payments", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// GetMyPayments returns the caller's payments
// @Summary List own payments
// @Tags payments
// @Produce json
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} object{payments=[]models.Payment,total=int,page=int,limit=int}
// @Failure 500 {object} ErrorResponse
// @Router /payments/my [get]
func (s *PaymentService) GetMyPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	payments, total, err := s.fetchPayments(userID, "", page, limit)
	if err != nil {
		log.Printf("[PAYMENT] Failed to list payments for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch payments", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

func (s *PaymentService) fetchPayments(userID int, status string, page, limit int) ([]models.Payment, int, error) {
	query := `
		SELECT id, user_id, amount, method, purpose, status, transaction_id,
		       COALESCE(sender_number, ''), COALESCE(invoice_number, ''), paid_at, created_at
		FROM payments`
	countQuery := `SELECT COUNT(*) FROM payments`

	var conditions []string
	var args []interface{}
	argIndex := 1

	if userID > 0 {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, userID)
		argIndex++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, status)
		argIndex++
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + conditions[0]
		for _, c := range conditions[1:] {
			where += " AND " + c
		}
	}

	var total int
	if err := s.db.QueryRow(countQuery+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Method, &p.Purpose,
			&p.Status, &p.TransactionID, &p.SenderNumber, &p.InvoiceNumber,
			&p.PaidAt, &p.CreatedAt); err != nil {
			return nil, 0, err
		}
		payments = append(payments, p)
	}

	return payments, total, rows.Err()
}

// GetPayment returns one payment, owner or staff only
// @Summary Get payment by ID
// @Tags payments
// @Produce json
// @Param paymentId path int true "Payment ID"
// @Success 200 {object} models.Payment
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payments/{paymentId} [get]
func (s *PaymentService) GetPayment(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(middleware.UserIDKey).(int)
	role, _ := r.Context().Value(middleware.UserRoleKey).(models.UserRole)

	paymentID, err := strconv.Atoi(chi.URLParam(r, "paymentId"))
	if err != nil {
		SendErrorResponse(w, "Invalid payment id", http.StatusBadRequest, nil)
		return
	}

	payment, err := s.fetchPayment(paymentID)
	if err != nil {
		if err == ErrNotFound {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[PAYMENT] Failed to fetch payment %d: %v", paymentID, err)
			SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		}
		return
	}

	isStaff := role == models.RoleAdmin || role == models.RoleSuperAdmin
	if payment.UserID != userID && !isStaff {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	WriteJSON(w, http.StatusOK, payment)
}

// CheckoutQR renders the checkout URL or wallet reference as a QR code
// @Summary Payment QR code
// @Description PNG QR of the gateway checkout URL, or of the transaction reference for wallet methods
// @Tags payments
// @Produce png
// @Param paymentId path int true "Payment ID"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /payments/{paymentId}/qr [get]
func (s *PaymentService) CheckoutQR(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(middleware.UserIDKey).(int)

	paymentID, err := strconv.Atoi(chi.URLParam(r, "paymentId"))
	if err != nil {
		SendErrorResponse(w, "Invalid payment id", http.StatusBadRequest, nil)
		return
	}

	payment, err := s.fetchPayment(paymentID)
	if err != nil {
		if err == ErrNotFound {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		}
		return
	}

	if payment.UserID != userID {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	content := s.checkoutURL(payment)
	if content == "" {
		content = payment.TransactionID
	}

	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		log.Printf("[PAYMENT] Failed to encode QR for payment %d: %v", paymentID, err)
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
