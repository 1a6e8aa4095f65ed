// Package tracker keeps the client-side descriptor of the active assistant
// conversation and reports its lifecycle to the conversation-rate-limiter.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"genie-hub-backend/internal/model"
	"genie-hub-backend/pkg/logger"

	"github.com/google/uuid"
)

const (
	// FallbackIP is used when the IP lookup fails.
	FallbackIP = "0.0.0.0"

	defaultIPTimeout = 5 * time.Second
	closeTimeout     = 5 * time.Second

	// Limits reported when the limiter cannot be reached during a check.
	failOpenDailyLimit  = 5
	failOpenHourlyLimit = 2
)

var errEmptyResponse = errors.New("limiter returned no result")

// Tracker holds at most one active conversation. It is safe for concurrent
// use; network calls run outside the lock.
type Tracker struct {
	invoker   Invoker
	resolver  IPResolver
	ipTimeout time.Duration
	reconcile bool
	now       func() time.Time

	ipMu sync.Mutex
	ip   string

	mu      sync.Mutex
	session *model.ConversationSession
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithIPTimeout bounds the IP lookup.
func WithIPTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ipTimeout = d
		}
	}
}

// WithReconcile makes the tracker adopt a higher message count returned by
// the limiter for the active session.
func WithReconcile(enabled bool) Option {
	return func(t *Tracker) {
		t.reconcile = enabled
	}
}

func New(invoker Invoker, resolver IPResolver, opts ...Option) *Tracker {
	t := &Tracker{
		invoker:   invoker,
		resolver:  resolver,
		ipTimeout: defaultIPTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetUserIP returns the caller's IP. The first result, fallback included,
// is cached for the tracker's lifetime.
func (t *Tracker) GetUserIP(ctx context.Context) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	if t.ip != "" {
		return t.ip
	}

	lookupCtx, cancel := context.WithTimeout(ctx, t.ipTimeout)
	defer cancel()

	ip, err := t.resolver.ResolveIP(lookupCtx)
	if err != nil {
		logger.Warnf("IP lookup failed, using %s: %v", FallbackIP, err)
		ip = FallbackIP
	}

	t.ip = ip
	return ip
}

// CheckConversationLimits asks whether a conversation could start now. It
// never records usage and fails open when the limiter is unreachable.
func (t *Tracker) CheckConversationLimits(ctx context.Context, email, name string) *model.ConversationLimits {
	ip := t.GetUserIP(ctx)

	limits, err := t.invoke(ctx, &model.LimiterRequest{
		IPAddress: ip,
		UserEmail: email,
		UserName:  name,
		Action:    model.ActionCheck,
	})
	if err != nil {
		logger.Warnf("Conversation limit check failed, allowing: %v", err)
		return &model.ConversationLimits{
			Allowed:     true,
			DailyLimit:  failOpenDailyLimit,
			HourlyLimit: failOpenHourlyLimit,
			ResetTime:   t.now().Add(time.Hour),
		}
	}
	return limits
}

// StartConversation requests a new conversation. A session that is still
// active is ended first. The local session exists only when the limiter
// approved it; transport errors deny.
func (t *Tracker) StartConversation(ctx context.Context, convContext, email, name string) *model.ConversationLimits {
	t.EndConversation(ctx)

	ip := t.GetUserIP(ctx)
	sessionID := t.newSessionID(ip)

	limits, err := t.invoke(ctx, &model.LimiterRequest{
		IPAddress: ip,
		UserEmail: email,
		UserName:  name,
		Context:   convContext,
		Action:    model.ActionStart,
		SessionID: sessionID,
	})
	if err != nil {
		logger.Errorf("Failed to start conversation: %v", err)
		return &model.ConversationLimits{
			Allowed:           false,
			ResetTime:         t.now().Add(time.Hour),
			RestrictionReason: model.ReasonServiceDisabled,
			Message:           "The assistant is unavailable right now. Please try again later.",
		}
	}
	if !limits.Allowed {
		return limits
	}

	t.mu.Lock()
	t.session = &model.ConversationSession{
		SessionID: sessionID,
		IPAddress: ip,
		UserEmail: email,
		UserName:  name,
		Context:   convContext,
	}
	t.mu.Unlock()

	return limits
}

// UpdateMessageCount counts one more message in the active session and
// reports it. Without a session it does nothing and returns nil; it also
// returns nil when the report fails.
func (t *Tracker) UpdateMessageCount(ctx context.Context) *model.ConversationLimits {
	t.mu.Lock()
	if t.session == nil {
		t.mu.Unlock()
		return nil
	}
	t.session.MessageCount++
	req := &model.LimiterRequest{
		IPAddress: t.session.IPAddress,
		UserEmail: t.session.UserEmail,
		Context:   t.session.Context,
		Action:    model.ActionMessage,
		SessionID: t.session.SessionID,
	}
	count := t.session.MessageCount
	req.MessageCount = &count
	t.mu.Unlock()

	limits, err := t.invoke(ctx, req)
	if err != nil {
		logger.Errorf("Failed to report message for %s: %v", req.SessionID, err)
		return nil
	}

	if t.reconcile && limits.MessageCount != nil {
		t.mu.Lock()
		if t.session != nil && t.session.SessionID == req.SessionID && *limits.MessageCount > t.session.MessageCount {
			t.session.MessageCount = *limits.MessageCount
		}
		t.mu.Unlock()
	}

	return limits
}

// EndConversation reports the end of the active session and clears it
// whatever the limiter answers.
func (t *Tracker) EndConversation(ctx context.Context) {
	t.mu.Lock()
	session := t.session
	t.session = nil
	t.mu.Unlock()

	if session == nil {
		return
	}

	count := session.MessageCount
	_, err := t.invoke(ctx, &model.LimiterRequest{
		IPAddress:    session.IPAddress,
		UserEmail:    session.UserEmail,
		Context:      session.Context,
		Action:       model.ActionEnd,
		SessionID:    session.SessionID,
		MessageCount: &count,
	})
	if err != nil {
		logger.Errorf("Failed to end conversation %s: %v", session.SessionID, err)
	}
}

// CurrentSession returns a copy of the active session, or nil.
func (t *Tracker) CurrentSession() *model.ConversationSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return nil
	}
	session := *t.session
	return &session
}

func (t *Tracker) IsConversationActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil
}

// Close ends the active conversation, if any.
func (t *Tracker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	t.EndConversation(ctx)
	return nil
}

// invoke treats a missing result like a transport error.
func (t *Tracker) invoke(ctx context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error) {
	limits, err := t.invoker.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if limits == nil {
		return nil, fmt.Errorf("%s: %w", req.Action, errEmptyResponse)
	}
	return limits, nil
}

func (t *Tracker) newSessionID(ip string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s-%d-%s", ip, t.now().UnixMilli(), suffix)
}
