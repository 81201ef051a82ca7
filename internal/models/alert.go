package models

import (
	"context"
	"fmt"
)

// AlertLevel is the severity of an operator alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is sent to operators when an on-chain outcome needs a human:
// ambiguous settlements, partial approvals, or funds moved without a ledger entry.
type Alert struct {
	Level   AlertLevel
	Title   string
	UserID  string
	TxHash  string
	Details string
}

func (a *Alert) String() string {
	msg := fmt.Sprintf("[%s] %s", a.Level, a.Title)
	if a.UserID != "" {
		msg += "\nuser: " + a.UserID
	}
	if a.TxHash != "" {
		msg += "\ntx: " + a.TxHash
	}
	if a.Details != "" {
		msg += "\n" + a.Details
	}
	return msg
}

// Alerter delivers operator alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, alert *Alert)
}
