package models

import (
	"time"

	"github.com/lib/pq"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionIncome  TransactionType = "INCOME"
	TransactionExpense TransactionType = "EXPENSE"
)

// FundTransaction is one immutable ledger entry. Entries are append-only;
// balance_snapshot is the running balance after the entry was applied and is
// the authoritative source of the current balance.
type FundTransaction struct {
	ID              int             `json:"id" db:"id"`
	Type            TransactionType `json:"type" db:"type"`
	Amount          int64           `json:"amount" db:"amount"`
	Reason          string          `json:"reason" db:"reason"`
	BalanceSnapshot int64           `json:"balance_snapshot" db:"balance_snapshot"`
	PaymentID       *int            `json:"payment_id,omitempty" db:"payment_id"`
	CreatedBy       int             `json:"created_by" db:"created_by"`
	EvidenceImages  pq.StringArray  `json:"evidence_images" db:"evidence_images"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// FundBalance is the single row every ledger writer locks before appending.
type FundBalance struct {
	ID        int       `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FundSummary is the read-side aggregate returned by GET /funds/summary.
type FundSummary struct {
	TotalIncome    int64 `json:"total_income"`
	TotalExpense   int64 `json:"total_expense"`
	CurrentBalance int64 `json:"current_balance"`
}

// ExpenseRequestStatus is the approval state of an expense request.
type ExpenseRequestStatus string

const (
	ExpensePending  ExpenseRequestStatus = "PENDING"
	ExpenseApproved ExpenseRequestStatus = "APPROVED"
	ExpenseRejected ExpenseRequestStatus = "REJECTED"
)

// ExpenseRequest is a pending ledger entry gated by two-tier approval.
// Tier-1 approvers co-sign into Approvals; a tier-2 approver finalizes and
// releases the funds, at which point exactly one EXPENSE ledger entry exists.
type ExpenseRequest struct {
	ID              int                  `json:"id" db:"id"`
	RequesterID     int                  `json:"requester_id" db:"requester_id"`
	Amount          int64                `json:"amount" db:"amount"`
	Reason          string               `json:"reason" db:"reason"`
	EvidenceImages  pq.StringArray       `json:"evidence_images" db:"evidence_images"`
	Status          ExpenseRequestStatus `json:"status" db:"status"`
	Approvals       pq.Int64Array        `json:"approvals" db:"approvals"`
	FinalApprovedBy *int                 `json:"final_approved_by,omitempty" db:"final_approved_by"`
	RejectionReason string               `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at" db:"updated_at"`
}
