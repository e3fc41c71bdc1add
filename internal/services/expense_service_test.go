package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jubok/foundation-backend/internal/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func expenseColumns() []string {
	return []string{"id", "requester_id", "amount", "reason", "evidence_images",
		"status", "approvals", "final_approved_by", "rejection_reason", "created_at", "updated_at"}
}

func newExpenseServiceForTest(t *testing.T) (*ExpenseService, sqlmock.Sqlmock, *MockNotifier, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	notifier := &MockNotifier{}
	ledger := NewFundLedgerService(db, nil)
	service := NewExpenseService(db, ledger, notifier)

	return service, mock, notifier, func() { db.Close() }
}

func TestExpenseService_ApproveExpenseData(t *testing.T) {
	t.Run("co-signer approval keeps the request pending", func(t *testing.T) {
		service, dbMock, _, cleanup := newExpenseServiceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM expense_requests WHERE id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(expenseColumns()).
				AddRow(3, 5, 2000, "Relief supplies", "{}", "PENDING", "{}", nil, nil, time.Now(), time.Now()))

		dbMock.ExpectExec("UPDATE expense_requests SET approvals").
			WithArgs(pq.Int64Array{42}, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectCommit()

		request, err := service.ApproveExpenseData(3, 42, TierCoSigner)
		assert.NoError(t, err)
		assert.Equal(t, models.ExpensePending, request.Status)
		assert.Equal(t, pq.Int64Array{42}, request.Approvals)
		assert.Nil(t, request.FinalApprovedBy)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("duplicate co-sign is rejected", func(t *testing.T) {
		service, dbMock, _, cleanup := newExpenseServiceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM expense_requests WHERE id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(expenseColumns()).
				AddRow(3, 5, 2000, "Relief supplies", "{}", "PENDING", "{42}", nil, nil, time.Now(), time.Now()))

		dbMock.ExpectRollback()

		_, err := service.ApproveExpenseData(3, 42, TierCoSigner)
		assert.ErrorIs(t, err, ErrDuplicateApproval)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("final approval disburses from the fund", func(t *testing.T) {
		service, dbMock, notifier, cleanup := newExpenseServiceForTest(t)
		defer cleanup()

		notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Maybe()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM expense_requests WHERE id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(expenseColumns()).
				AddRow(3, 5, 2000, "Relief supplies", "{}", "PENDING", "{42}", nil, nil, time.Now(), time.Now()))

		dbMock.ExpectExec("INSERT INTO fund_balance").
			WillReturnResult(sqlmock.NewResult(0, 0))

		dbMock.ExpectQuery("SELECT balance, version FROM fund_balance WHERE id = 1 FOR UPDATE").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(5000, 2))

		dbMock.ExpectQuery("INSERT INTO fund_transactions").
			WithArgs(models.TransactionExpense, int64(2000), "Expense request #3: Relief supplies", int64(3000), nil, 77, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, time.Now()))

		dbMock.ExpectExec("UPDATE fund_balance").
			WithArgs(int64(3000), sqlmock.AnyArg(), 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("UPDATE expense_requests SET status").
			WithArgs(models.ExpenseApproved, 77, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectCommit()

		request, err := service.ApproveExpenseData(3, 77, TierFinal)
		assert.NoError(t, err)
		assert.Equal(t, models.ExpenseApproved, request.Status)
		assert.NotNil(t, request.FinalApprovedBy)
		assert.Equal(t, 77, *request.FinalApprovedBy)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("insufficient funds fails the final approval", func(t *testing.T) {
		service, dbMock, _, cleanup := newExpenseServiceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM expense_requests WHERE id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(expenseColumns()).
				AddRow(3, 5, 9000, "Relief supplies", "{}", "PENDING", "{42}", nil, nil, time.Now(), time.Now()))

		dbMock.ExpectExec("INSERT INTO fund_balance").
			WillReturnResult(sqlmock.NewResult(0, 0))

		dbMock.ExpectQuery("SELECT balance, version FROM fund_balance WHERE id = 1 FOR UPDATE").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(5000, 2))

		dbMock.ExpectRollback()

		_, err := service.ApproveExpenseData(3, 77, TierFinal)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("non-pending request cannot be approved", func(t *testing.T) {
		service, dbMock, _, cleanup := newExpenseServiceForTest(t)
		defer cleanup()

		finalApprover := 77

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM expense_requests WHERE id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(expenseColumns()).
				AddRow(3, 5, 2000, "Relief supplies", "{}", "APPROVED", "{42}", finalApprover, nil, time.Now(), time.Now()))

		dbMock.ExpectRollback()

		_, err := service.ApproveExpenseData(3, 42, TierCoSigner)
		assert.ErrorIs(t, err, ErrRequestNotPending)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestExpenseService_RejectExpenseData(t *testing.T) {
	t.Run("rejects a pending request", func(t *testing.T) {
		service, dbMock, notifier, cleanup := newExpenseServiceForTest(t)
		defer cleanup()

		notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Maybe()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM expense_requests WHERE id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(expenseColumns()).
				AddRow(3, 5, 2000, "Relief supplies", "{}", "PENDING", "{}", nil, nil, time.Now(), time.Now()))

		dbMock.ExpectExec("UPDATE expense_requests SET status").
			WithArgs(models.ExpenseRejected, "Missing receipts", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectCommit()

		request, err := service.RejectExpenseData(3, 77, "Missing receipts")
		assert.NoError(t, err)
		assert.Equal(t, models.ExpenseRejected, request.Status)
		assert.Equal(t, "Missing receipts", request.RejectionReason)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejected request cannot be rejected again", func(t *testing.T) {
		service, dbMock, _, cleanup := newExpenseServiceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT (.+) FROM expense_requests WHERE id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(expenseColumns()).
				AddRow(3, 5, 2000, "Relief supplies", "{}", "REJECTED", "{}", nil, "Missing receipts", time.Now(), time.Now()))

		dbMock.ExpectRollback()

		_, err := service.RejectExpenseData(3, 77, "Again")
		assert.ErrorIs(t, err, ErrRequestNotPending)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestApproverTierForRole(t *testing.T) {
	tier, ok := approverTierForRole(models.RoleAdmin)
	assert.True(t, ok)
	assert.Equal(t, TierCoSigner, tier)

	tier, ok = approverTierForRole(models.RoleSuperAdmin)
	assert.True(t, ok)
	assert.Equal(t, TierFinal, tier)

	_, ok = approverTierForRole(models.RoleMember)
	assert.False(t, ok)

	_, ok = approverTierForRole(models.RoleModerator)
	assert.False(t, ok)
}
