package services

import "errors"

// Business-rule rejections, mapped to 4xx responses by the handlers. Anything
// else bubbling out of a service is treated as a system fault (5xx) and the
// surrounding database transaction is rolled back in full.
var (
	ErrNotFound               = errors.New("record not found")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInsufficientFunds      = errors.New("insufficient fund balance")
	ErrPaymentAlreadyRecorded = errors.New("payment already has a ledger entry")
	ErrTransactionIDUsed      = errors.New("transaction id already used")
	ErrPaymentNotCompletable  = errors.New("payment is not in a completable state")
	ErrDuplicateApproval      = errors.New("approver already signed off on this request")
	ErrRequestNotPending      = errors.New("expense request already finalized")
)
