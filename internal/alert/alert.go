// Package alert defines the normalized security alert admitted for triage.
package alert

import (
	"errors"
	"fmt"
	"time"
)

// Severity levels assigned during triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Type classifies the kind of security event an alert reports.
type Type string

const (
	TypeMalware           Type = "malware"
	TypePhishing          Type = "phishing"
	TypeBruteForce        Type = "brute_force"
	TypeSuspiciousLogin   Type = "suspicious_login"
	TypeDataExfiltration  Type = "data_exfiltration"
	TypeNetworkAnomaly    Type = "network_anomaly"
	TypeInsiderThreat     Type = "insider_threat"
	TypePrivilegeEscal    Type = "privilege_escalation"
	TypeLateralMovement   Type = "lateral_movement"
	TypeCommandAndControl Type = "command_and_control"
	TypeUnknown           Type = "unknown"
)

// ValidationError reports a malformed alert. A workflow never starts for an
// alert that fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s: %s", e.Field, e.Reason)
}

// Alert is a single normalized security event. It is immutable once admitted
// to a workflow; agents only read it and submit results via messages.
type Alert struct {
	ID           string         `json:"alert_id"`
	Timestamp    time.Time      `json:"timestamp"`
	SourceSystem string         `json:"source_system"`
	Type         Type           `json:"alert_type"`
	Description  string         `json:"description"`

	SourceIP      string `json:"source_ip,omitempty"`
	DestinationIP string `json:"destination_ip,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Hostname      string `json:"hostname,omitempty"`

	// Raw carries the source system's original payload, opaque to the core.
	Raw map[string]any `json:"raw,omitempty"`
}

// ErrNilAlert is returned when a nil alert is submitted.
var ErrNilAlert = errors.New("alert is nil")

// Validate checks the fields a workflow cannot start without.
func (a *Alert) Validate() error {
	if a == nil {
		return ErrNilAlert
	}
	if a.ID == "" {
		return &ValidationError{Field: "alert_id", Reason: "must not be empty"}
	}
	if a.SourceSystem == "" {
		return &ValidationError{Field: "source_system", Reason: "must not be empty"}
	}
	if a.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	if a.Type == "" {
		return &ValidationError{Field: "alert_type", Reason: "must not be empty"}
	}
	return nil
}

// Normalize fills defaults an upstream collector may have omitted. Unknown
// alert types are coerced to TypeUnknown rather than rejected.
func (a *Alert) Normalize() {
	switch a.Type {
	case TypeMalware, TypePhishing, TypeBruteForce, TypeSuspiciousLogin,
		TypeDataExfiltration, TypeNetworkAnomaly, TypeInsiderThreat,
		TypePrivilegeEscal, TypeLateralMovement, TypeCommandAndControl:
	default:
		a.Type = TypeUnknown
	}
	if a.Description == "" {
		a.Description = "no description provided"
	}
}
