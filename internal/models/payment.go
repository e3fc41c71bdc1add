package models

import (
	"time"
)

// PaymentMethod is a supported payment channel.
type PaymentMethod string

const (
	MethodBkash PaymentMethod = "bkash"
	MethodNagad PaymentMethod = "nagad"
	MethodBank  PaymentMethod = "bank"
	MethodCard  PaymentMethod = "card"
)

// PaymentPurpose determines what side effect completion triggers. Membership
// fees additionally elevate the payer to an active member.
type PaymentPurpose string

const (
	PurposeMembership      PaymentPurpose = "membership"
	PurposeMonthlyDonation PaymentPurpose = "monthly_donation"
	PurposeProjectDonation PaymentPurpose = "project_donation"
)

// PaymentStatus is the lifecycle state of a payment attempt. PAID is
// effectively terminal; completing an already-PAID payment is a no-op.
type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Payment is one payment attempt. TransactionID is the idempotency key; the
// database enforces its uniqueness, and at most one ledger entry ever
// references a payment.
type Payment struct {
	ID            int            `json:"id" db:"id"`
	UserID        int            `json:"user_id" db:"user_id"`
	Amount        int64          `json:"amount" db:"amount"`
	Method        PaymentMethod  `json:"method" db:"method"`
	Purpose       PaymentPurpose `json:"purpose" db:"purpose"`
	Status        PaymentStatus  `json:"status" db:"status"`
	TransactionID string         `json:"transaction_id" db:"transaction_id"`
	SenderNumber  string         `json:"sender_number,omitempty" db:"sender_number"`
	InvoiceNumber string         `json:"invoice_number,omitempty" db:"invoice_number"`
	PaidAt        *time.Time     `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}
