package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	ActorID   int       `json:"actor_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

// AuditLogger emits structured JSON records for every ledger-affecting event.
type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogLedger(entryType, reason string, actorID int, amount, balance int64) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "LEDGER_" + entryType,
		ActorID:   actorID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details: map[string]any{
			"reason":           reason,
			"balance_snapshot": balance,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogPayment(transactionID string, userID int, amount int64, status string) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "PAYMENT",
		Reference: transactionID,
		ActorID:   userID,
		Amount:    amount,
		Status:    status,
	}
	a.log(event)
}

func (a *AuditLogger) LogError(reference string, actorID int, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		ActorID:   actorID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
