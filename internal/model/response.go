package model

import "time"

// ConversationLimits is the limiter's answer for every action.
type ConversationLimits struct {
	Allowed           bool      `json:"allowed"`
	DailyCount        int64     `json:"daily_count"`
	DailyLimit        int64     `json:"daily_limit"`
	HourlyCount       int64     `json:"hourly_count"`
	HourlyLimit       int64     `json:"hourly_limit"`
	EmailDailyCount   *int64    `json:"email_daily_count,omitempty"`
	EmailDailyLimit   *int64    `json:"email_daily_limit,omitempty"`
	EmailHourlyCount  *int64    `json:"email_hourly_count,omitempty"`
	EmailHourlyLimit  *int64    `json:"email_hourly_limit,omitempty"`
	DuplicateEmailIPs *int      `json:"duplicate_email_ips,omitempty"`
	ResetTime         time.Time `json:"reset_time"`
	RestrictionReason string    `json:"restriction_reason,omitempty"`
	IsReturningUser   *bool     `json:"is_returning_user,omitempty"`
	Message           string    `json:"message,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	MessageCount      *int      `json:"message_count,omitempty"`
}

// Restriction reasons reported in ConversationLimits.RestrictionReason.
const (
	ReasonIPHourly        = "ip_hourly_limit"
	ReasonIPDaily         = "ip_daily_limit"
	ReasonEmailHourly     = "email_hourly_limit"
	ReasonEmailDaily      = "email_daily_limit"
	ReasonDuplicateEmail  = "duplicate_email_ips"
	ReasonMessageLimit    = "conversation_message_limit"
	ReasonServiceDisabled = "service_unavailable"
)

type ChatResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Done      bool   `json:"done,omitempty"`
}

type ConversationResponse struct {
	SessionID    string             `json:"session_id"`
	Context      string             `json:"context"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	MessageCount int                `json:"message_count"`
}
