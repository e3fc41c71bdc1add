package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func paymentColumns() []string {
	return []string{"id", "user_id", "amount", "method", "purpose", "status",
		"transaction_id", "sender_number", "invoice_number", "paid_at", "created_at"}
}

func newPaymentServiceForTest(t *testing.T) (*PaymentService, sqlmock.Sqlmock, *MockUserStore, *MockNotifier, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	users := &MockUserStore{}
	notifier := &MockNotifier{}
	ledger := NewFundLedgerService(db, nil)
	service := NewPaymentService(db, ledger, users, notifier)

	return service, mock, users, notifier, func() { db.Close() }
}

func TestPaymentService_CompletePayment(t *testing.T) {
	t.Run("completes payment and appends income", func(t *testing.T) {
		service, dbMock, _, notifier, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Maybe()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows(paymentColumns()).
				AddRow(10, 5, 500, "bkash", "monthly_donation", "INITIATED", "TXN-1", "017000", nil, nil, time.Now()))

		dbMock.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentPaid, sqlmock.AnyArg(), sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("INSERT INTO fund_balance").
			WillReturnResult(sqlmock.NewResult(0, 0))

		dbMock.ExpectQuery("SELECT balance, version FROM fund_balance WHERE id = 1 FOR UPDATE").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(1000, 1))

		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		dbMock.ExpectQuery("INSERT INTO fund_transactions").
			WithArgs(models.TransactionIncome, int64(500), "Payment approved (monthly_donation)", int64(1500), 10, 99, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

		dbMock.ExpectExec("UPDATE fund_balance").
			WithArgs(int64(1500), sqlmock.AnyArg(), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectCommit()

		payment, err := service.CompletePayment(10, 99)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentPaid, payment.Status)
		assert.NotNil(t, payment.PaidAt)
		assert.Regexp(t, `^INV-\d{4}-\d{6}$`, payment.InvoiceNumber)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("already paid payment is a no-op", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		paidAt := time.Now().Add(-time.Hour)

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows(paymentColumns()).
				AddRow(10, 5, 500, "bkash", "monthly_donation", "PAID", "TXN-1", "017000", "INV-2026-123456", paidAt, time.Now()))

		dbMock.ExpectRollback()

		payment, err := service.CompletePayment(10, 99)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentPaid, payment.Status)
		assert.Equal(t, "INV-2026-123456", payment.InvoiceNumber)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("failed payment cannot be completed", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows(paymentColumns()).
				AddRow(10, 5, 500, "bkash", "monthly_donation", "FAILED", "TXN-1", "017000", nil, nil, time.Now()))

		dbMock.ExpectRollback()

		_, err := service.CompletePayment(10, 99)
		assert.ErrorIs(t, err, ErrPaymentNotCompletable)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("membership payment elevates the payer", func(t *testing.T) {
		service, dbMock, users, notifier, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Maybe()
		users.On("UpdateRoleAndStatusTx", mock.Anything, 5, models.RoleMember, models.StatusActive).Return(nil)

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows(paymentColumns()).
				AddRow(10, 5, 1000, "nagad", "membership", "PENDING", "TXN-2", "018000", nil, nil, time.Now()))

		dbMock.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentPaid, sqlmock.AnyArg(), sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("INSERT INTO fund_balance").
			WillReturnResult(sqlmock.NewResult(0, 0))

		dbMock.ExpectQuery("SELECT balance, version FROM fund_balance WHERE id = 1 FOR UPDATE").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(0, 1))

		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		dbMock.ExpectQuery("INSERT INTO fund_transactions").
			WithArgs(models.TransactionIncome, int64(1000), "Payment approved (membership)", int64(1000), 10, 99, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

		dbMock.ExpectExec("UPDATE fund_balance").
			WithArgs(int64(1000), sqlmock.AnyArg(), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectCommit()

		payment, err := service.CompletePayment(10, 99)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentPaid, payment.Status)
		users.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("ledger failure rolls back the status flip", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows(paymentColumns()).
				AddRow(10, 5, 500, "bkash", "monthly_donation", "INITIATED", "TXN-1", "017000", nil, nil, time.Now()))

		dbMock.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentPaid, sqlmock.AnyArg(), sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("INSERT INTO fund_balance").
			WillReturnResult(sqlmock.NewResult(0, 0))

		dbMock.ExpectQuery("SELECT balance, version FROM fund_balance WHERE id = 1 FOR UPDATE").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(1000, 1))

		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		dbMock.ExpectRollback()

		_, err := service.CompletePayment(10, 99)
		assert.ErrorIs(t, err, ErrPaymentAlreadyRecorded)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaymentService_InitiatePaymentData(t *testing.T) {
	service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
	defer cleanup()

	t.Run("duplicate transaction id is rejected", func(t *testing.T) {
		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs("DUP-123456").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, _, err := service.InitiatePaymentData(5, InitiatePaymentRequest{
			Amount:        500,
			Method:        models.MethodBkash,
			Purpose:       models.PurposeMonthlyDonation,
			TransactionID: "DUP-123456",
		})
		assert.ErrorIs(t, err, ErrTransactionIDUsed)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("concurrent insert losing to the unique constraint maps to conflict", func(t *testing.T) {
		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs("RACE-123456").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		dbMock.ExpectQuery("INSERT INTO payments").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_transaction_id_key"})

		_, _, err := service.InitiatePaymentData(5, InitiatePaymentRequest{
			Amount:        500,
			Method:        models.MethodBkash,
			Purpose:       models.PurposeMonthlyDonation,
			TransactionID: "RACE-123456",
		})
		assert.ErrorIs(t, err, ErrTransactionIDUsed)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("creates an initiated payment", func(t *testing.T) {
		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs("TXN-999999").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		dbMock.ExpectQuery("INSERT INTO payments").
			WithArgs(5, int64(500), models.MethodBkash, models.PurposeMonthlyDonation,
				models.PaymentInitiated, "TXN-999999", "017000").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))

		payment, gatewayURL, err := service.InitiatePaymentData(5, InitiatePaymentRequest{
			Amount:        500,
			Method:        models.MethodBkash,
			Purpose:       models.PurposeMonthlyDonation,
			TransactionID: "TXN-999999",
			SenderNumber:  "017000",
		})
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentInitiated, payment.Status)
		assert.Empty(t, gatewayURL) // wallet payments settle by admin approval
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaymentService_markTerminal(t *testing.T) {
	service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
	defer cleanup()

	t.Run("marks an initiated payment failed", func(t *testing.T) {
		dbMock.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentFailed, "TXN-1", models.PaymentInitiated, models.PaymentPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.markTerminal("TXN-1", models.PaymentFailed)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("terminal states are never overwritten", func(t *testing.T) {
		dbMock.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentCancelled, "TXN-1", models.PaymentInitiated, models.PaymentPending).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.markTerminal("TXN-1", models.PaymentCancelled)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func signBody(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestPaymentService_GatewayIPN(t *testing.T) {
	viper.Set("gateway.webhook_secret", "test-secret")
	defer viper.Set("gateway.webhook_secret", "")

	t.Run("rejects a bad signature before touching state", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		body := []byte(`{"tran_id":"TXN-1","status":"VALID","amount":500}`)
		req := httptest.NewRequest(http.MethodPost, "/payments/gateway/ipn", bytes.NewReader(body))
		req.Header.Set("X-Gateway-Signature", "deadbeef")
		rec := httptest.NewRecorder()

		service.GatewayIPN(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet()) // no queries ran
	})

	t.Run("rejects a missing signature", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		body := []byte(`{"tran_id":"TXN-1","status":"VALID","amount":500}`)
		req := httptest.NewRequest(http.MethodPost, "/payments/gateway/ipn", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		service.GatewayIPN(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("failed event marks the payment failed", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		dbMock.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentFailed, "TXN-1", models.PaymentInitiated, models.PaymentPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		body := []byte(`{"tran_id":"TXN-1","status":"FAILED","amount":500}`)
		req := httptest.NewRequest(http.MethodPost, "/payments/gateway/ipn", bytes.NewReader(body))
		req.Header.Set("X-Gateway-Signature", signBody("test-secret", body))
		rec := httptest.NewRecorder()

		service.GatewayIPN(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newPaymentServiceForTest(t)
		defer cleanup()

		body := []byte(`{"tran_id":"TXN-1","status":"WAT","amount":500}`)
		req := httptest.NewRequest(http.MethodPost, "/payments/gateway/ipn", bytes.NewReader(body))
		req.Header.Set("X-Gateway-Signature", signBody("test-secret", body))
		rec := httptest.NewRecorder()

		service.GatewayIPN(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaymentService_verifyWebhookSignature(t *testing.T) {
	service, _, _, _, cleanup := newPaymentServiceForTest(t)
	defer cleanup()

	body := []byte(`{"tran_id":"TXN-1"}`)

	t.Run("valid signature", func(t *testing.T) {
		viper.Set("gateway.webhook_secret", "test-secret")
		defer viper.Set("gateway.webhook_secret", "")

		assert.True(t, service.verifyWebhookSignature(body, signBody("test-secret", body)))
	})

	t.Run("wrong secret", func(t *testing.T) {
		viper.Set("gateway.webhook_secret", "test-secret")
		defer viper.Set("gateway.webhook_secret", "")

		assert.False(t, service.verifyWebhookSignature(body, signBody("other-secret", body)))
	})

	t.Run("no secret configured", func(t *testing.T) {
		viper.Set("gateway.webhook_secret", "")
		assert.False(t, service.verifyWebhookSignature(body, signBody("", body)))
	})
}
