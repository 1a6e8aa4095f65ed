package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"genie-hub-backend/internal/model"
	"genie-hub-backend/pkg/logger"
)

// DiskStorage keeps one JSON file per conversation and per transcript, plus
// an index and the email sightings. Writes go through a temp file and rename.
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.Conversation
	cacheSize int
	sightings map[string][]model.EmailSighting
}

type ConversationIndex struct {
	ID        string                   `json:"id"`
	Context   string                   `json:"context"`
	Status    model.ConversationStatus `json:"status"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	if cacheSize <= 0 {
		cacheSize = 100
	}
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.Conversation),
		cacheSize: cacheSize,
		sightings: make(map[string][]model.EmailSighting),
	}
}

func (d *DiskStorage) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadSightings(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s", d.dataDir)
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "conversations"),
		filepath.Join(d.dataDir, "messages"),
		filepath.Join(d.dataDir, "backup"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) indexPath() string {
	return filepath.Join(d.dataDir, "conversations.json")
}

func (d *DiskStorage) sightingsPath() string {
	return filepath.Join(d.dataDir, "email_sightings.json")
}

func (d *DiskStorage) conversationPath(id string) string {
	return filepath.Join(d.dataDir, "conversations", id+".json")
}

func (d *DiskStorage) messagesPath(id string) string {
	return filepath.Join(d.dataDir, "messages", id+".json")
}

// loadIndex warms the cache with the most recently updated conversations.
func (d *DiskStorage) loadIndex() error {
	indexes, err := d.readIndex()
	if err != nil {
		return err
	}

	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].UpdatedAt.After(indexes[j].UpdatedAt)
	})

	for _, index := range indexes {
		if len(d.cache) >= d.cacheSize {
			break
		}

		conversation, err := d.loadConversationFromFile(index.ID)
		if err != nil {
			logger.Errorf("Failed to load conversation %s: %v", index.ID, err)
			continue
		}

		d.cache[index.ID] = conversation
	}

	return nil
}

func (d *DiskStorage) readIndex() ([]*ConversationIndex, error) {
	data, err := os.ReadFile(d.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return []*ConversationIndex{}, nil
	}
	if err != nil {
		return nil, err
	}

	var indexes []*ConversationIndex
	if err := json.Unmarshal(data, &indexes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return indexes, nil
}

func (d *DiskStorage) loadSightings() error {
	data, err := os.ReadFile(d.sightingsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &d.sightings); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if d.sightings == nil {
		d.sightings = make(map[string][]model.EmailSighting)
	}
	return nil
}

func (d *DiskStorage) loadConversationFromFile(id string) (*model.Conversation, error) {
	data, err := os.ReadFile(d.conversationPath(id))
	if err != nil {
		return nil, err
	}

	var conversation model.Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	messages, err := d.loadMessagesFromFile(id)
	if err != nil {
		logger.Errorf("Failed to load messages for conversation %s: %v", id, err)
		messages = []model.Message{}
	}

	conversation.Messages = messages
	return &conversation, nil
}

func (d *DiskStorage) loadMessagesFromFile(id string) ([]model.Message, error) {
	data, err := os.ReadFile(d.messagesPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return messages, nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func (d *DiskStorage) saveConversationToFile(conversation *model.Conversation) error {
	meta := *conversation
	meta.Messages = nil
	return writeJSONAtomic(d.conversationPath(conversation.ID), meta)
}

func (d *DiskStorage) saveMessagesToFile(id string, messages []model.Message) error {
	if messages == nil {
		messages = []model.Message{}
	}
	return writeJSONAtomic(d.messagesPath(id), messages)
}

// updateIndex rewrites the index entry for one conversation; a nil
// conversation with a non-empty removeID deletes the entry.
func (d *DiskStorage) updateIndex(conversation *model.Conversation, removeID string) error {
	indexes, err := d.readIndex()
	if err != nil {
		return err
	}

	out := indexes[:0]
	for _, index := range indexes {
		if index.ID == removeID {
			continue
		}
		if conversation != nil && index.ID == conversation.ID {
			continue
		}
		out = append(out, index)
	}

	if conversation != nil {
		out = append(out, &ConversationIndex{
			ID:        conversation.ID,
			Context:   conversation.Context,
			Status:    conversation.Status,
			CreatedAt: conversation.CreatedAt,
			UpdatedAt: conversation.UpdatedAt,
		})
	}

	return writeJSONAtomic(d.indexPath(), out)
}

// lookup returns the cached conversation, loading it from disk on a miss.
// Callers must hold the write lock.
func (d *DiskStorage) lookup(id string) (*model.Conversation, error) {
	if conversation, exists := d.cache[id]; exists {
		return conversation, nil
	}

	conversation, err := d.loadConversationFromFile(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[id] = conversation
	d.evictCache(id)
	return conversation, nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (d *DiskStorage) CreateConversation(conversation *model.Conversation) error {
	if !validID(conversation.ID) {
		return fmt.Errorf("%w: conversation id %q", ErrInvalidData, conversation.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookup(conversation.ID); err == nil {
		return ErrConversationExists
	}

	stored := cloneConversation(conversation)

	if err := d.saveConversationToFile(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.saveMessagesToFile(stored.ID, stored.Messages); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateIndex(stored, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[stored.ID] = stored
	d.evictCache(stored.ID)

	return nil
}

func (d *DiskStorage) GetConversation(conversationID string) (*model.Conversation, error) {
	if !validID(conversationID) {
		return nil, ErrConversationNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conversation, err := d.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	return cloneConversation(conversation), nil
}

// UpdateConversation replaces the conversation metadata and keeps the
// stored transcript.
func (d *DiskStorage) UpdateConversation(conversation *model.Conversation) error {
	if !validID(conversation.ID) {
		return ErrConversationNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.lookup(conversation.ID)
	if err != nil {
		return err
	}

	updated := cloneConversation(conversation)
	updated.Messages = existing.Messages

	if err := d.saveConversationToFile(updated); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateIndex(updated, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[updated.ID] = updated

	return nil
}

func (d *DiskStorage) DeleteConversation(conversationID string) error {
	if !validID(conversationID) {
		return ErrConversationNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conversationPath := d.conversationPath(conversationID)
	if _, err := os.Stat(conversationPath); errors.Is(err, os.ErrNotExist) {
		return ErrConversationNotFound
	}

	if err := os.Remove(conversationPath); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := os.Remove(d.messagesPath(conversationID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, conversationID)

	if err := d.updateIndex(nil, conversationID); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) ListConversations() ([]*model.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indexes, err := d.readIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	conversations := make([]*model.Conversation, 0, len(indexes))
	for _, index := range indexes {
		conversations = append(conversations, &model.Conversation{
			ID:        index.ID,
			Context:   index.Context,
			Status:    index.Status,
			CreatedAt: index.CreatedAt,
			UpdatedAt: index.UpdatedAt,
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})

	return conversations, nil
}

func (d *DiskStorage) AddMessage(conversationID string, message *model.Message) error {
	if !validID(conversationID) {
		return ErrConversationNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conversation, err := d.lookup(conversationID)
	if err != nil {
		return err
	}

	conversation.Messages = append(conversation.Messages, *message)
	conversation.UpdatedAt = message.Timestamp

	if err := d.saveMessagesToFile(conversationID, conversation.Messages); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.saveConversationToFile(conversation); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return d.updateIndex(conversation, "")
}

func (d *DiskStorage) GetMessages(conversationID string) ([]*model.Message, error) {
	conversation, err := d.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	messages := make([]*model.Message, len(conversation.Messages))
	for i := range conversation.Messages {
		msg := conversation.Messages[i]
		messages[i] = &msg
	}

	return messages, nil
}

func (d *DiskStorage) RecordEmailSighting(email, ipAddress string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sightings[email] = upsertSighting(d.sightings[email], email, ipAddress, at)

	if err := writeJSONAtomic(d.sightingsPath(), d.sightings); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) GetEmailSightings(email string) ([]model.EmailSighting, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]model.EmailSighting(nil), d.sightings[email]...), nil
}

func (d *DiskStorage) PruneEmailSightings(before time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := pruneSightings(d.sightings, before)
	if removed == 0 {
		return 0, nil
	}

	if err := writeJSONAtomic(d.sightingsPath(), d.sightings); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return removed, nil
}

// evictCache drops the least recently updated entries above cacheSize,
// never the one just touched.
func (d *DiskStorage) evictCache(keep string) {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		updatedAt time.Time
	}

	entries := make([]cacheEntry, 0, len(d.cache))
	for id, conversation := range d.cache {
		if id == keep {
			continue
		}
		entries = append(entries, cacheEntry{id: id, updatedAt: conversation.UpdatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict && i < len(entries); i++ {
		delete(d.cache, entries[i].id)
	}
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Conversation)
	return nil
}

// Backup copies conversations, transcripts, the index and sightings into
// backup/backup_<unix>.
func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().UnixNano()))

	for _, dir := range []string{"conversations", "messages"} {
		dstDir := filepath.Join(backupDir, dir)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
		if err := copyDir(filepath.Join(d.dataDir, dir), dstDir); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	for _, name := range []string{"conversations.json", "email_sightings.json"} {
		err := copyFile(filepath.Join(d.dataDir, name), filepath.Join(backupDir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	logger.Infof("Backup completed: %s", backupDir)
	return nil
}

func copyDir(src, dst string) error {
	files, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		if err := copyFile(filepath.Join(src, file.Name()), filepath.Join(dst, file.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0o644)
}
