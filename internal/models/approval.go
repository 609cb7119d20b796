package models

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the human verdict on an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// ParseDecision accepts approved/approve/denied/deny.
func ParseDecision(value string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approved", "approve":
		return DecisionApproved, nil
	case "denied", "deny":
		return DecisionDenied, nil
	}
	return "", fmt.Errorf("decision must be approved or denied, got %q", value)
}

// ApprovalRecord tracks one approval cycle for an (operation, context) pair.
// A record is open until it is consumed by a dispatch.
type ApprovalRecord struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	Context     OpContext `json:"context,omitempty"`
	ContextKey  string    `json:"context_key"`
	RequestedAt time.Time `json:"requested_at"`
	Approver    string    `json:"approver,omitempty"`
	Decision    Decision  `json:"decision"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
	Consumed    bool      `json:"consumed"`
}

// Pending reports whether the record still awaits a decision.
func (a ApprovalRecord) Pending() bool {
	return a.Decision == DecisionPending
}
