package model

// Action tags the conversation-rate-limiter call.
type Action string

const (
	ActionCheck   Action = "check"
	ActionStart   Action = "start"
	ActionMessage Action = "message"
	ActionEnd     Action = "end"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCheck, ActionStart, ActionMessage, ActionEnd:
		return true
	}
	return false
}

// Conversation contexts segment quotas and assistant prompts.
const (
	ContextTechnology = "technology"
	ContextHealthcare = "healthcare"
)

// LimiterRequest is the JSON body accepted by the conversation-rate-limiter.
type LimiterRequest struct {
	IPAddress    string `json:"ip_address"`
	UserEmail    string `json:"user_email,omitempty"`
	UserName     string `json:"user_name,omitempty"`
	Context      string `json:"context,omitempty" binding:"omitempty,oneof=technology healthcare"`
	Action       Action `json:"action" binding:"required,oneof=check start message end"`
	SessionID    string `json:"session_id,omitempty"`
	MessageCount *int   `json:"message_count,omitempty" binding:"omitempty,min=0"`
}

type ChatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}
