package storage

import (
	"sort"
	"sync"
	"time"

	"genie-hub-backend/internal/model"
)

type MemoryStorage struct {
	conversations map[string]*model.Conversation
	sightings     map[string][]model.EmailSighting
	mu            sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*model.Conversation),
		sightings:     make(map[string][]model.EmailSighting),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Backup() error {
	return nil
}

func (m *MemoryStorage) CreateConversation(conversation *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversation.ID]; exists {
		return ErrConversationExists
	}

	m.conversations[conversation.ID] = cloneConversation(conversation)
	return nil
}

func (m *MemoryStorage) GetConversation(conversationID string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}

	return cloneConversation(conversation), nil
}

// UpdateConversation replaces the conversation metadata. The stored
// transcript is kept; use AddMessage to extend it.
func (m *MemoryStorage) UpdateConversation(conversation *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.conversations[conversation.ID]
	if !exists {
		return ErrConversationNotFound
	}

	updated := cloneConversation(conversation)
	updated.Messages = existing.Messages
	m.conversations[conversation.ID] = updated
	return nil
}

func (m *MemoryStorage) DeleteConversation(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversationID]; !exists {
		return ErrConversationNotFound
	}

	delete(m.conversations, conversationID)
	return nil
}

func (m *MemoryStorage) ListConversations() ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversations := make([]*model.Conversation, 0, len(m.conversations))
	for _, conversation := range m.conversations {
		c := cloneConversation(conversation)
		c.Messages = nil
		conversations = append(conversations, c)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})

	return conversations, nil
}

func (m *MemoryStorage) AddMessage(conversationID string, message *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return ErrConversationNotFound
	}

	conversation.Messages = append(conversation.Messages, *message)
	conversation.UpdatedAt = message.Timestamp
	return nil
}

func (m *MemoryStorage) GetMessages(conversationID string) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}

	messages := make([]*model.Message, len(conversation.Messages))
	for i := range conversation.Messages {
		msg := conversation.Messages[i]
		messages[i] = &msg
	}

	return messages, nil
}

func (m *MemoryStorage) RecordEmailSighting(email, ipAddress string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sightings[email] = upsertSighting(m.sightings[email], email, ipAddress, at)
	return nil
}

func (m *MemoryStorage) GetEmailSightings(email string) ([]model.EmailSighting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]model.EmailSighting(nil), m.sightings[email]...), nil
}

func (m *MemoryStorage) PruneEmailSightings(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return pruneSightings(m.sightings, before), nil
}
