package storage

import (
	"time"

	"genie-hub-backend/internal/model"
)

type Storage interface {
	// Conversations
	CreateConversation(conversation *model.Conversation) error
	GetConversation(conversationID string) (*model.Conversation, error)
	UpdateConversation(conversation *model.Conversation) error
	DeleteConversation(conversationID string) error
	ListConversations() ([]*model.Conversation, error)

	// Transcript
	AddMessage(conversationID string, message *model.Message) error
	GetMessages(conversationID string) ([]*model.Message, error)

	// Email/IP sightings used for duplicate detection and returning users.
	RecordEmailSighting(email, ipAddress string, at time.Time) error
	GetEmailSightings(email string) ([]model.EmailSighting, error)
	// PruneEmailSightings drops sightings last seen before the cutoff and
	// returns how many were removed. The newest sighting of each email is kept.
	PruneEmailSightings(before time.Time) (int, error)

	Init() error
	Close() error
	Backup() error
}

// cloneConversation returns a deep copy so callers never share state with the store.
func cloneConversation(c *model.Conversation) *model.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]model.Message(nil), c.Messages...)
	if c.EndedAt != nil {
		ended := *c.EndedAt
		out.EndedAt = &ended
	}
	return &out
}

func upsertSighting(sightings []model.EmailSighting, email, ipAddress string, at time.Time) []model.EmailSighting {
	for i := range sightings {
		if sightings[i].IPAddress == ipAddress {
			if at.After(sightings[i].LastSeen) {
				sightings[i].LastSeen = at
			}
			return sightings
		}
	}
	return append(sightings, model.EmailSighting{
		Email:     email,
		IPAddress: ipAddress,
		FirstSeen: at,
		LastSeen:  at,
	})
}

func pruneSightings(sightings map[string][]model.EmailSighting, before time.Time) int {
	removed := 0
	for email, list := range sightings {
		newest := 0
		for i := range list {
			if list[i].LastSeen.After(list[newest].LastSeen) {
				newest = i
			}
		}

		kept := make([]model.EmailSighting, 0, len(list))
		for i, sighting := range list {
			if i == newest || !sighting.LastSeen.Before(before) {
				kept = append(kept, sighting)
			}
		}

		removed += len(list) - len(kept)
		sightings[email] = kept
	}
	return removed
}
