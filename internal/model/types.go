package model

import "time"

type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictWarn  Verdict = "WARN"
	VerdictBlock Verdict = "BLOCK"
)

type Trigger string

const (
	TriggerPeriodic    Trigger = "periodic"
	TriggerTermination Trigger = "termination"
)

type RequestEvent struct {
	SessionID string    `json:"session_id"`
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Source    string    `json:"source,omitempty"`
	// DeliveryID identifies the transport delivery (Kafka partition and
	// offset, file offset). Empty for events that cannot be redelivered.
	DeliveryID string `json:"-"`
}

// SessionRecord is the durable per-session fingerprint. Blocked never goes
// back to false once set.
type SessionRecord struct {
	SessionID      string     `json:"session_id"`
	AccountID      string     `json:"account_id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivity   time.Time  `json:"last_activity"`
	TotalRequests  int        `json:"total_requests"`
	FailedLogins   int        `json:"failed_logins"`
	AvgInterval    float64    `json:"avg_interval"`
	MaxRequestRate float64    `json:"max_request_rate"`
	Authenticated  bool       `json:"authenticated"`
	Blocked        bool       `json:"blocked"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
}

func (s SessionRecord) Terminated() bool {
	return s.TerminatedAt != nil
}

type FeatureVector struct {
	RequestRate     float64 `json:"request_rate"`
	AvgInterval     float64 `json:"avg_interval"`
	TotalRequests   int     `json:"total_requests"`
	FailedLogins    int     `json:"failed_logins"`
	SessionDuration float64 `json:"session_duration"`
	// Insufficient is set when the window held fewer than two events; the
	// rate and interval fields are zero in that case.
	Insufficient bool `json:"insufficient,omitempty"`
}

type MLScore struct {
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
}

// Effective is the score fusion uses: unavailable counts as zero.
func (m MLScore) Effective() float64 {
	if !m.Available {
		return 0
	}
	return m.Value
}

type EvaluationResult struct {
	SessionID string        `json:"session_id"`
	AccountID string        `json:"account_id"`
	Trigger   Trigger       `json:"trigger"`
	Boundary  int           `json:"boundary"`
	RuleScore int           `json:"rule_score"`
	MLScore   MLScore       `json:"ml_score"`
	Rules     []string      `json:"rules"`
	Verdict   Verdict       `json:"verdict"`
	Features  FeatureVector `json:"features"`
	Timestamp time.Time     `json:"timestamp"`
}

type AccountBlock struct {
	AccountID string    `json:"account_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	SessionID string    `json:"session_id"`
}

type Stats struct {
	Sessions        int `json:"sessions"`
	ActiveSessions  int `json:"active_sessions"`
	BlockedSessions int `json:"blocked_sessions"`
	Evaluations     int `json:"evaluations"`
	BlockedAccounts int `json:"blocked_accounts"`
}
