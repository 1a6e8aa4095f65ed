package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"genie-hub-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	mu       sync.Mutex
	requests []model.LimiterRequest
	respond  func(req *model.LimiterRequest) (*model.ConversationLimits, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error) {
	f.mu.Lock()
	copied := *req
	if req.MessageCount != nil {
		count := *req.MessageCount
		copied.MessageCount = &count
	}
	f.requests = append(f.requests, copied)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(req)
	}
	return &model.ConversationLimits{Allowed: true, SessionID: req.SessionID}, nil
}

func (f *fakeInvoker) calls() []model.LimiterRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.LimiterRequest(nil), f.requests...)
}

type fakeResolver struct {
	mu    sync.Mutex
	ip    string
	err   error
	block bool
	count int
}

func (f *fakeResolver) ResolveIP(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.ip, f.err
}

func (f *fakeResolver) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

var fixedNow = time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

func newTracker(invoker Invoker, resolver IPResolver, opts ...Option) *Tracker {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(invoker, resolver, opts...)
}

func TestTracker_MessageCountReachesEnd(t *testing.T) {
	invoker := &fakeInvoker{}
	tr := newTracker(invoker, &fakeResolver{ip: "203.0.113.7"})
	ctx := context.Background()

	limits := tr.StartConversation(ctx, model.ContextTechnology, "ada@example.com", "Ada")
	require.True(t, limits.Allowed)
	require.True(t, tr.IsConversationActive())

	for i := 0; i < 4; i++ {
		tr.UpdateMessageCount(ctx)
	}
	assert.Equal(t, 4, tr.CurrentSession().MessageCount)

	tr.EndConversation(ctx)
	assert.False(t, tr.IsConversationActive())

	calls := invoker.calls()
	require.Len(t, calls, 6)
	end := calls[5]
	assert.Equal(t, model.ActionEnd, end.Action)
	require.NotNil(t, end.MessageCount)
	assert.Equal(t, 4, *end.MessageCount)

	for i, call := range calls[1:5] {
		assert.Equal(t, model.ActionMessage, call.Action)
		assert.Equal(t, i+1, *call.MessageCount)
		assert.Equal(t, calls[0].SessionID, call.SessionID)
	}
}

func TestTracker_IPLookupCached(t *testing.T) {
	resolver := &fakeResolver{ip: "198.51.100.20"}
	tr := newTracker(&fakeInvoker{}, resolver)

	assert.Equal(t, "198.51.100.20", tr.GetUserIP(context.Background()))
	assert.Equal(t, "198.51.100.20", tr.GetUserIP(context.Background()))
	assert.Equal(t, 1, resolver.lookups())
}

func TestTracker_CheckFailsOpen(t *testing.T) {
	invoker := &fakeInvoker{respond: func(*model.LimiterRequest) (*model.ConversationLimits, error) {
		return nil, errors.New("connection refused")
	}}
	tr := newTracker(invoker, &fakeResolver{ip: "198.51.100.20"})

	limits := tr.CheckConversationLimits(context.Background(), "", "")
	require.NotNil(t, limits)
	assert.True(t, limits.Allowed)
	assert.Equal(t, int64(5), limits.DailyLimit)
	assert.Equal(t, int64(2), limits.HourlyLimit)
	assert.Equal(t, int64(0), limits.DailyCount)
	assert.Equal(t, fixedNow.Add(time.Hour), limits.ResetTime)
}

func TestTracker_CheckDoesNotStartSession(t *testing.T) {
	invoker := &fakeInvoker{}
	tr := newTracker(invoker, &fakeResolver{ip: "198.51.100.20"})

	limits := tr.CheckConversationLimits(context.Background(), "ada@example.com", "Ada")
	assert.True(t, limits.Allowed)
	assert.False(t, tr.IsConversationActive())

	calls := invoker.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.ActionCheck, calls[0].Action)
	assert.Empty(t, calls[0].SessionID)
}

func TestTracker_StartDenied(t *testing.T) {
	tests := []struct {
		name    string
		respond func(*model.LimiterRequest) (*model.ConversationLimits, error)
		reason  string
	}{
		{
			name: "limiter denies",
			respond: func(*model.LimiterRequest) (*model.ConversationLimits, error) {
				return &model.ConversationLimits{Allowed: false, RestrictionReason: model.ReasonIPHourly}, nil
			},
			reason: model.ReasonIPHourly,
		},
		{
			name: "transport error",
			respond: func(*model.LimiterRequest) (*model.ConversationLimits, error) {
				return nil, errors.New("timeout")
			},
			reason: model.ReasonServiceDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(&fakeInvoker{respond: tt.respond}, &fakeResolver{ip: "198.51.100.20"})

			limits := tr.StartConversation(context.Background(), model.ContextHealthcare, "", "")
			require.NotNil(t, limits)
			assert.False(t, limits.Allowed)
			assert.Equal(t, tt.reason, limits.RestrictionReason)
			assert.Nil(t, tr.CurrentSession())
			assert.False(t, tr.IsConversationActive())
		})
	}
}

func TestTracker_NoSessionIsNoop(t *testing.T) {
	invoker := &fakeInvoker{}
	tr := newTracker(invoker, &fakeResolver{ip: "198.51.100.20"})

	assert.NotPanics(t, func() {
		tr.EndConversation(context.Background())
		assert.Nil(t, tr.UpdateMessageCount(context.Background()))
		require.NoError(t, tr.Close())
	})
	assert.Empty(t, invoker.calls())
}

func TestTracker_IPLookupTimeout(t *testing.T) {
	resolver := &fakeResolver{block: true}
	tr := newTracker(&fakeInvoker{}, resolver, WithIPTimeout(20*time.Millisecond))

	start := time.Now()
	assert.Equal(t, FallbackIP, tr.GetUserIP(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, FallbackIP, tr.GetUserIP(context.Background()))
	assert.Equal(t, 1, resolver.lookups())
}

func TestTracker_DefaultIPTimeout(t *testing.T) {
	tr := New(&fakeInvoker{}, &fakeResolver{})
	assert.Equal(t, 5*time.Second, tr.ipTimeout)
}

func TestTracker_SessionIDFormat(t *testing.T) {
	invoker := &fakeInvoker{}
	tr := newTracker(invoker, &fakeResolver{ip: "203.0.113.7"})

	tr.StartConversation(context.Background(), model.ContextTechnology, "", "")
	session := tr.CurrentSession()
	require.NotNil(t, session)

	assert.True(t, strings.HasPrefix(session.SessionID, "203.0.113.7-1748874600000-"), session.SessionID)
	assert.Len(t, strings.TrimPrefix(session.SessionID, "203.0.113.7-1748874600000-"), 9)
	assert.Equal(t, invoker.calls()[0].SessionID, session.SessionID)

	// The returned session is a copy.
	session.MessageCount = 42
	assert.Equal(t, 0, tr.CurrentSession().MessageCount)
}

func TestTracker_MessageErrorKeepsLocalCount(t *testing.T) {
	invoker := &fakeInvoker{}
	tr := newTracker(invoker, &fakeResolver{ip: "203.0.113.7"})
	ctx := context.Background()

	tr.StartConversation(ctx, model.ContextTechnology, "", "")
	invoker.respond = func(*model.LimiterRequest) (*model.ConversationLimits, error) {
		return nil, errors.New("server error")
	}

	assert.Nil(t, tr.UpdateMessageCount(ctx))
	assert.Equal(t, 1, tr.CurrentSession().MessageCount)
}

func TestTracker_Reconcile(t *testing.T) {
	serverCount := 7
	respond := func(req *model.LimiterRequest) (*model.ConversationLimits, error) {
		if req.Action == model.ActionMessage {
			return &model.ConversationLimits{Allowed: true, MessageCount: &serverCount}, nil
		}
		return &model.ConversationLimits{Allowed: true}, nil
	}
	ctx := context.Background()

	plain := newTracker(&fakeInvoker{respond: respond}, &fakeResolver{ip: "203.0.113.7"})
	plain.StartConversation(ctx, model.ContextTechnology, "", "")
	plain.UpdateMessageCount(ctx)
	assert.Equal(t, 1, plain.CurrentSession().MessageCount)

	reconciling := newTracker(&fakeInvoker{respond: respond}, &fakeResolver{ip: "203.0.113.7"}, WithReconcile(true))
	reconciling.StartConversation(ctx, model.ContextTechnology, "", "")
	reconciling.UpdateMessageCount(ctx)
	assert.Equal(t, 7, reconciling.CurrentSession().MessageCount)
}

func TestTracker_EndClearsSessionOnError(t *testing.T) {
	invoker := &fakeInvoker{}
	tr := newTracker(invoker, &fakeResolver{ip: "203.0.113.7"})
	ctx := context.Background()

	tr.StartConversation(ctx, model.ContextTechnology, "", "")
	invoker.respond = func(*model.LimiterRequest) (*model.ConversationLimits, error) {
		return nil, errors.New("server error")
	}

	tr.EndConversation(ctx)
	assert.False(t, tr.IsConversationActive())
}

func TestTracker_StartEndsPreviousSession(t *testing.T) {
	invoker := &fakeInvoker{}
	tr := newTracker(invoker, &fakeResolver{ip: "203.0.113.7"})
	ctx := context.Background()

	require.True(t, tr.StartConversation(ctx, model.ContextTechnology, "", "").Allowed)
	first := tr.CurrentSession().SessionID
	tr.UpdateMessageCount(ctx)

	require.True(t, tr.StartConversation(ctx, model.ContextHealthcare, "", "").Allowed)

	calls := invoker.calls()
	require.Len(t, calls, 4)
	assert.Equal(t, model.ActionEnd, calls[2].Action)
	assert.Equal(t, first, calls[2].SessionID)
	assert.Equal(t, 1, *calls[2].MessageCount)
	assert.Equal(t, model.ActionStart, calls[3].Action)
	assert.Equal(t, calls[3].SessionID, tr.CurrentSession().SessionID)
	assert.Equal(t, 0, tr.CurrentSession().MessageCount)
}

func TestTracker_EmptyResultIsTransportError(t *testing.T) {
	invoker := &fakeInvoker{respond: func(*model.LimiterRequest) (*model.ConversationLimits, error) {
		return nil, nil
	}}
	tr := newTracker(invoker, &fakeResolver{ip: "203.0.113.7"})
	ctx := context.Background()

	check := tr.CheckConversationLimits(ctx, "", "")
	require.NotNil(t, check)
	assert.True(t, check.Allowed)
	assert.Equal(t, int64(failOpenDailyLimit), check.DailyLimit)

	start := tr.StartConversation(ctx, model.ContextTechnology, "", "")
	require.NotNil(t, start)
	assert.False(t, start.Allowed)
	assert.Equal(t, model.ReasonServiceDisabled, start.RestrictionReason)
	assert.False(t, tr.IsConversationActive())

	invoker.respond = nil
	require.True(t, tr.StartConversation(ctx, model.ContextTechnology, "", "").Allowed)
	invoker.respond = func(*model.LimiterRequest) (*model.ConversationLimits, error) {
		return nil, nil
	}
	assert.Nil(t, tr.UpdateMessageCount(ctx))
	assert.Equal(t, 1, tr.CurrentSession().MessageCount)
}

func TestHTTPInvoker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "broken") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid action"}`))
			return
		}
		_, _ = w.Write([]byte(`{"allowed":false,"hourly_count":2,"hourly_limit":2,"restriction_reason":"ip_hourly_limit","reset_time":"2025-06-02T15:00:00Z"}`))
	}))
	defer server.Close()

	invoker := NewHTTPInvoker(server.URL+"/functions/v1/conversation-rate-limiter", "anon-key", server.Client())
	limits, err := invoker.Invoke(context.Background(), &model.LimiterRequest{IPAddress: "1.2.3.4", Action: model.ActionCheck})
	require.NoError(t, err)
	assert.False(t, limits.Allowed)
	assert.Equal(t, int64(2), limits.HourlyCount)
	assert.Equal(t, model.ReasonIPHourly, limits.RestrictionReason)

	broken := NewHTTPInvoker(server.URL+"/broken", "anon-key", server.Client())
	_, err = broken.Invoke(context.Background(), &model.LimiterRequest{Action: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid action")
}

func TestHTTPIPResolver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"192.0.2.44"}`))
	}))
	defer server.Close()

	ip, err := NewHTTPIPResolver(server.URL, server.Client()).ResolveIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.44", ip)

	server.Close()
	_, err = NewHTTPIPResolver(server.URL, nil).ResolveIP(context.Background())
	assert.Error(t, err)
}
