package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"genie-hub-backend/internal/config"
	"genie-hub-backend/internal/model"
	"genie-hub-backend/internal/quota"
	"genie-hub-backend/internal/storage"
	"genie-hub-backend/pkg/logger"

	"github.com/google/uuid"
)

// duplicateWindow bounds how far back email sightings count towards the
// distinct-IP check.
const duplicateWindow = 24 * time.Hour

// LimiterService answers conversation-rate-limiter calls: it admits new
// conversations against per-IP and per-email ceilings and tracks the
// conversations it admitted.
type LimiterService struct {
	cfg     config.RateLimitConfig
	limiter quota.Limiter
	storage storage.Storage
	now     func() time.Time

	// mu makes evaluate+record atomic for start within this process.
	mu sync.Mutex
}

type LimiterOption func(*LimiterService)

// WithLimiterClock overrides time.Now.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(s *LimiterService) {
		s.now = now
	}
}

func NewLimiterService(cfg config.RateLimitConfig, limiter quota.Limiter, store storage.Storage, opts ...LimiterOption) *LimiterService {
	s := &LimiterService{
		cfg:     cfg,
		limiter: limiter,
		storage: store,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process handles one limiter call.
func (s *LimiterService) Process(ctx context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	req.UserEmail = normalizeEmail(req.UserEmail)
	req.IPAddress = strings.TrimSpace(req.IPAddress)

	switch req.Action {
	case model.ActionCheck:
		if req.IPAddress == "" {
			return nil, ErrMissingIP
		}
		return s.evaluate(ctx, req.IPAddress, req.UserEmail, true)
	case model.ActionStart:
		if req.IPAddress == "" {
			return nil, ErrMissingIP
		}
		return s.start(ctx, req)
	case model.ActionMessage:
		return s.message(ctx, req)
	default:
		return s.end(ctx, req)
	}
}

func (s *LimiterService) start(ctx context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits, err := s.evaluate(ctx, req.IPAddress, req.UserEmail, true)
	if err != nil {
		return nil, err
	}
	if !limits.Allowed {
		logger.WithFields(map[string]interface{}{
			"ip":     req.IPAddress,
			"email":  req.UserEmail,
			"reason": limits.RestrictionReason,
		}).Info("Conversation start denied")
		return limits, nil
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	convContext := req.Context
	if convContext == "" {
		convContext = model.ContextTechnology
	}

	now := s.now()
	conversation := &model.Conversation{
		ID:        sessionID,
		IPAddress: req.IPAddress,
		UserEmail: req.UserEmail,
		UserName:  strings.TrimSpace(req.UserName),
		Context:   convContext,
		Status:    model.StatusActive,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.storage.CreateConversation(conversation); err != nil {
		if errors.Is(err, storage.ErrConversationExists) {
			return nil, ErrDuplicateSession
		}
		if errors.Is(err, storage.ErrInvalidData) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	if err := s.charge(ctx, req.IPAddress, req.UserEmail, now); err != nil {
		if derr := s.storage.DeleteConversation(sessionID); derr != nil {
			logger.Errorf("Failed to roll back conversation %s: %v", sessionID, derr)
		}
		return nil, err
	}

	if s.cfg.Enabled {
		limits.HourlyCount++
		limits.DailyCount++
		if limits.EmailHourlyCount != nil {
			*limits.EmailHourlyCount++
			*limits.EmailDailyCount++
		}
	}

	zero := 0
	limits.SessionID = sessionID
	limits.MessageCount = &zero

	logger.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"ip":         req.IPAddress,
		"context":    convContext,
	}).Info("Conversation started")

	return limits, nil
}

// charge records one conversation against the IP and the email. Counters
// already incremented stay when a later step fails.
func (s *LimiterService) charge(ctx context.Context, ip, email string, at time.Time) error {
	if err := s.limiter.Record(ctx, quota.ScopeIP, ip, 1); err != nil {
		return fmt.Errorf("record ip usage: %w", err)
	}
	if email == "" {
		return nil
	}
	if err := s.limiter.Record(ctx, quota.ScopeEmail, email, 1); err != nil {
		return fmt.Errorf("record email usage: %w", err)
	}
	if err := s.storage.RecordEmailSighting(email, ip, at); err != nil {
		return fmt.Errorf("record email sighting: %w", err)
	}
	return nil
}

func (s *LimiterService) message(ctx context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error) {
	conversation, err := s.activeConversation(req.SessionID)
	if err != nil {
		return nil, err
	}

	limits, err := s.evaluate(ctx, conversation.IPAddress, conversation.UserEmail, false)
	if err != nil {
		return nil, err
	}
	limits.SessionID = conversation.ID

	count := conversation.MessageCount + 1
	if req.MessageCount != nil {
		count = conversation.MessageCount
		if *req.MessageCount > count {
			count = *req.MessageCount
		}
	}

	if limit := s.cfg.MaxMessagesPerConversation; s.cfg.Enabled && limit > 0 && count > limit &&
		!s.cfg.IsExemptEmail(conversation.UserEmail) {
		stored := conversation.MessageCount
		limits.Allowed = false
		limits.RestrictionReason = model.ReasonMessageLimit
		limits.Message = fmt.Sprintf("This conversation has reached its limit of %d messages. Please start a new conversation.", limit)
		limits.MessageCount = &stored
		return limits, nil
	}

	conversation.MessageCount = count
	conversation.UpdatedAt = s.now()
	if err := s.storage.UpdateConversation(conversation); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	limits.MessageCount = &count
	return limits, nil
}

func (s *LimiterService) end(_ context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error) {
	if req.SessionID == "" {
		return nil, ErrMissingSession
	}

	conversation, err := s.storage.GetConversation(req.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	now := s.now()
	if conversation.Active() {
		if req.MessageCount != nil && *req.MessageCount > conversation.MessageCount {
			conversation.MessageCount = *req.MessageCount
		}
		conversation.Status = model.StatusEnded
		conversation.EndedAt = &now
		conversation.UpdatedAt = now
		if err := s.storage.UpdateConversation(conversation); err != nil {
			return nil, fmt.Errorf("update conversation: %w", err)
		}
		logger.WithFields(map[string]interface{}{
			"session_id":    conversation.ID,
			"message_count": conversation.MessageCount,
		}).Info("Conversation ended")
	}

	count := conversation.MessageCount
	return &model.ConversationLimits{
		Allowed:      true,
		HourlyLimit:  s.cfg.IPHourlyLimit,
		DailyLimit:   s.cfg.IPDailyLimit,
		ResetTime:    now.Add(time.Hour),
		SessionID:    conversation.ID,
		MessageCount: &count,
	}, nil
}

func (s *LimiterService) activeConversation(sessionID string) (*model.Conversation, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	conversation, err := s.storage.GetConversation(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if !conversation.Active() {
		return nil, ErrConversationEnded
	}
	return conversation, nil
}

// evaluate fills the IP and email counters. With decide set it also applies
// the admission rules in order: IP hourly, IP daily, email hourly, email
// daily, duplicate email IPs.
func (s *LimiterService) evaluate(ctx context.Context, ip, email string, decide bool) (*model.ConversationLimits, error) {
	now := s.now()
	limits := &model.ConversationLimits{
		Allowed:     true,
		HourlyLimit: s.cfg.IPHourlyLimit,
		DailyLimit:  s.cfg.IPDailyLimit,
		ResetTime:   now.Add(time.Hour),
	}

	if !s.cfg.Enabled {
		return limits, nil
	}

	exempt := s.cfg.IsExemptEmail(email)

	ipResult, err := s.limiter.Check(ctx, quota.ScopeIP, ip)
	if err != nil {
		return nil, fmt.Errorf("check ip quota: %w", err)
	}
	if u := ipResult.GetUsage(quota.WindowHour); u != nil {
		limits.HourlyCount = u.Current
		limits.ResetTime = u.WindowEnd
	}
	if u := ipResult.GetUsage(quota.WindowDay); u != nil {
		limits.DailyCount = u.Current
	}
	if decide && !exempt && !ipResult.Allowed {
		s.deny(limits, quota.ScopeIP, ipResult)
	}

	if email == "" {
		return limits, nil
	}

	emailResult, err := s.limiter.Check(ctx, quota.ScopeEmail, email)
	if err != nil {
		return nil, fmt.Errorf("check email quota: %w", err)
	}
	emailHourly, emailDaily := int64(0), int64(0)
	if u := emailResult.GetUsage(quota.WindowHour); u != nil {
		emailHourly = u.Current
	}
	if u := emailResult.GetUsage(quota.WindowDay); u != nil {
		emailDaily = u.Current
	}
	hourlyLimit, dailyLimit := s.cfg.EmailHourlyLimit, s.cfg.EmailDailyLimit
	limits.EmailHourlyCount = &emailHourly
	limits.EmailDailyCount = &emailDaily
	limits.EmailHourlyLimit = &hourlyLimit
	limits.EmailDailyLimit = &dailyLimit

	if decide && !exempt && limits.Allowed && !emailResult.Allowed {
		s.deny(limits, quota.ScopeEmail, emailResult)
	}

	sightings, err := s.storage.GetEmailSightings(email)
	if err != nil {
		return nil, fmt.Errorf("load email sightings: %w", err)
	}

	returning := len(sightings) > 0
	limits.IsReturningUser = &returning

	distinct, oldest := distinctRecentIPs(sightings, ip, now)
	limits.DuplicateEmailIPs = &distinct

	if decide && !exempt && limits.Allowed && s.cfg.MaxEmailIPs > 0 && distinct > s.cfg.MaxEmailIPs {
		limits.Allowed = false
		limits.RestrictionReason = model.ReasonDuplicateEmail
		limits.ResetTime = oldest.Add(duplicateWindow)
		limits.Message = fmt.Sprintf("This email address has been used from %d different networks today. Please try again later.", distinct)
	}

	return limits, nil
}

func (s *LimiterService) deny(limits *model.ConversationLimits, scope quota.Scope, result *quota.CheckResult) {
	limits.Allowed = false

	usage := result.GetUsage(result.Exceeded)
	if usage != nil {
		limits.ResetTime = usage.WindowEnd
	}

	var reason, period string
	switch {
	case scope == quota.ScopeIP && result.Exceeded == quota.WindowHour:
		reason, period = model.ReasonIPHourly, "hour"
	case scope == quota.ScopeIP:
		reason, period = model.ReasonIPDaily, "day"
	case result.Exceeded == quota.WindowHour:
		reason, period = model.ReasonEmailHourly, "hour"
	default:
		reason, period = model.ReasonEmailDaily, "day"
	}
	limits.RestrictionReason = reason

	if usage != nil {
		limits.Message = fmt.Sprintf("You have reached the limit of %d conversations per %s. You can start a new conversation after %s.",
			usage.Limit, period, limits.ResetTime.UTC().Format("15:04 MST"))
	}
}

// distinctRecentIPs counts IPs seen for the email within duplicateWindow,
// including ip itself, and returns the oldest LastSeen among them.
func distinctRecentIPs(sightings []model.EmailSighting, ip string, now time.Time) (int, time.Time) {
	cutoff := now.Add(-duplicateWindow)
	seen := map[string]bool{ip: true}
	oldest := now

	for _, sighting := range sightings {
		if sighting.LastSeen.Before(cutoff) {
			continue
		}
		seen[sighting.IPAddress] = true
		if sighting.LastSeen.Before(oldest) {
			oldest = sighting.LastSeen
		}
	}
	return len(seen), oldest
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Usage returns the counters of one identifier.
func (s *LimiterService) Usage(ctx context.Context, scope quota.Scope, identifier string) ([]quota.Usage, error) {
	if scope == quota.ScopeEmail {
		identifier = normalizeEmail(identifier)
	}
	return s.limiter.GetUsage(ctx, scope, identifier)
}

// ResetUsage clears the counters of one identifier.
func (s *LimiterService) ResetUsage(ctx context.Context, scope quota.Scope, identifier string) error {
	if scope == quota.ScopeEmail {
		identifier = normalizeEmail(identifier)
	}
	if err := s.limiter.Reset(ctx, scope, identifier); err != nil {
		return err
	}
	logger.Infof("Quota reset for %s %s", scope, identifier)
	return nil
}

func (s *LimiterService) ListConversations() ([]*model.Conversation, error) {
	return s.storage.ListConversations()
}

// StartJanitor purges expired quota records and stale email sightings and,
// when backupEvery is positive, backs up storage until ctx is done.
func (s *LimiterService) StartJanitor(ctx context.Context, cleanupEvery, backupEvery time.Duration) {
	if cleanupEvery > 0 {
		go func() {
			ticker := time.NewTicker(cleanupEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.purgeExpired(ctx)
				}
			}
		}()
	}

	if backupEvery > 0 {
		go func() {
			ticker := time.NewTicker(backupEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.storage.Backup(); err != nil {
						logger.Errorf("Storage backup failed: %v", err)
					}
				}
			}
		}()
	}
}

func (s *LimiterService) purgeExpired(ctx context.Context) {
	removed, err := s.limiter.ResetExpired(ctx, s.now())
	if err != nil {
		logger.Errorf("Failed to purge expired quota records: %v", err)
		return
	}
	if removed > 0 {
		logger.Debugf("Purged %d expired quota records", removed)
	}

	pruned, err := s.storage.PruneEmailSightings(s.now().Add(-duplicateWindow))
	if err != nil {
		logger.Errorf("Failed to prune email sightings: %v", err)
		return
	}
	if pruned > 0 {
		logger.Debugf("Pruned %d email sightings", pruned)
	}
}
