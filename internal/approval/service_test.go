package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/accessguard/internal/agent"
	agentrepo "github.com/kazz187/accessguard/internal/agent/repositoryimpl"
	"github.com/kazz187/accessguard/internal/approval"
	"github.com/kazz187/accessguard/internal/approval/repositoryimpl"
	"github.com/kazz187/accessguard/internal/connector"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/storage"
)

type delivery struct {
	targetID string
	prompt   connector.PermissionPrompt
}

type promptConnector struct {
	name       string
	deliveries chan delivery
}

func newPromptConnector(name string) *promptConnector {
	return &promptConnector{name: name, deliveries: make(chan delivery, 8)}
}

func (c *promptConnector) Name() string { return c.name }

func (c *promptConnector) SendMessage(context.Context, string, connector.Message) error {
	return errors.New("unexpected plain message")
}

func (c *promptConnector) RequestPermission(_ context.Context, targetID string, p connector.PermissionPrompt) error {
	c.deliveries <- delivery{targetID: targetID, prompt: p}
	return nil
}

type panickingConnector struct{}

func (panickingConnector) Name() string { return "boom" }

func (panickingConnector) SendMessage(context.Context, string, connector.Message) error {
	panic("connector exploded")
}

type fixture struct {
	svc      *approval.Service
	agents   agent.Repository
	requests approval.Repository
	chat     *promptConnector
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	agents := agentrepo.NewYAMLRepository(s)
	requests := repositoryimpl.NewYAMLRepository(s)
	chat := newPromptConnector("chat")
	connectors := connector.NewRegistry(chat, panickingConnector{})

	ctx := context.Background()
	require.NoError(t, agents.Upsert(ctx, &agent.Agent{
		ID: "fg", UserID: "u1", Name: "assistant", Kind: agent.KindForeground,
		Connector: "chat", TargetID: "chat-fg", LastActiveAt: time.Now(),
	}))
	require.NoError(t, agents.Upsert(ctx, &agent.Agent{
		ID: "bg", UserID: "u1", Name: "nightly", Kind: agent.KindBackground,
	}))
	require.NoError(t, agents.Upsert(ctx, &agent.Agent{
		ID: "fragile", UserID: "u2", Kind: agent.KindForeground, Connector: "boom",
	}))
	require.NoError(t, agents.Upsert(ctx, &agent.Agent{
		ID: "orphan", UserID: "u3", Kind: agent.KindSystem,
	}))

	svc := approval.NewService(requests, agents, connectors, approval.NewRegistry(), approval.Config{Timeout: timeout})
	return &fixture{svc: svc, agents: agents, requests: requests, chat: chat}
}

type result struct {
	outcome *approval.Outcome
	err     error
}

func (f *fixture) request(in approval.Input) <-chan result {
	out := make(chan result, 1)
	go func() {
		o, err := f.svc.Request(context.Background(), in)
		out <- result{o, err}
	}()
	return out
}

func (f *fixture) nextDelivery(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-f.chat.deliveries:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no prompt delivered")
		return delivery{}
	}
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("request did not resolve")
		return result{}
	}
}

func TestService_ApproveAlwaysPersists(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	pending := f.request(approval.Input{AgentID: "fg", Reason: "load data", Permissions: []string{"@read:/data"}})
	d := f.nextDelivery(t)
	assert.Equal(t, "chat-fg", d.targetID)
	assert.Equal(t, []string{"@read:/data"}, d.prompt.Permissions)
	assert.Contains(t, d.prompt.Text, d.prompt.Token)

	req, err := f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, Approved: true, Scope: agent.ScopeAlways})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, req.Status)

	r := await(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, agent.ScopeAlways, r.outcome.Scope)
	assert.Contains(t, r.outcome.Permissions.ReadDirs, "/data")

	a, err := f.agents.Get(ctx, "fg")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data"}, a.Permissions.ReadDirs)
	require.Len(t, a.Grants, 1)
	assert.Equal(t, "chat", a.Grants[0].Source)
	assert.Equal(t, d.prompt.Token, a.Grants[0].RequestToken)

	// A second delivery of the same token is a no-op.
	again, err := f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, Approved: false})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, again.Status)
	a, err = f.agents.Get(ctx, "fg")
	require.NoError(t, err)
	assert.Len(t, a.Grants, 1)
}

func TestService_ApproveNowDoesNotPersist(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	pending := f.request(approval.Input{AgentID: "fg", Permissions: []string{"@write:/out", "@web"}})
	d := f.nextDelivery(t)
	_, err := f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, Approved: true})
	require.NoError(t, err)

	r := await(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, agent.ScopeNow, r.outcome.Scope)
	assert.Equal(t, []string{"/out"}, r.outcome.Permissions.WriteDirs)
	assert.True(t, r.outcome.Permissions.Network)

	a, err := f.agents.Get(ctx, "fg")
	require.NoError(t, err)
	assert.Empty(t, a.Permissions.WriteDirs)
	assert.False(t, a.Permissions.Network)
	assert.Empty(t, a.Grants)
}

func TestService_Deny(t *testing.T) {
	f := newFixture(t, time.Minute)

	pending := f.request(approval.Input{AgentID: "fg", Permissions: []string{"@network"}})
	d := f.nextDelivery(t)
	req, err := f.svc.Decide(context.Background(), approval.Decision{Token: d.prompt.Token, Approved: false})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusDenied, req.Status)

	r := await(t, pending)
	assert.ErrorIs(t, r.err, approval.ErrNotGranted)
	assert.Nil(t, r.outcome)
}

func TestService_TimeoutDiscardsLateDecision(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	pending := f.request(approval.Input{AgentID: "fg", Permissions: []string{"@read:/data"}})
	d := f.nextDelivery(t)

	r := await(t, pending)
	require.ErrorIs(t, r.err, approval.ErrNotGranted)
	assert.Contains(t, r.err.Error(), "timed out")

	req, err := f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, Approved: true, Scope: agent.ScopeAlways})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, req.Status)

	a, err := f.agents.Get(ctx, "fg")
	require.NoError(t, err)
	assert.Empty(t, a.Permissions.ReadDirs)
}

func TestService_BackgroundRoutesToForeground(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	pending := f.request(approval.Input{AgentID: "bg", Permissions: []string{"@events"}})
	d := f.nextDelivery(t)
	assert.Equal(t, "chat-fg", d.targetID)
	assert.Equal(t, "bg", d.prompt.AgentID)
	assert.Contains(t, d.prompt.Text, "nightly (background)")

	stored, err := f.svc.Get(ctx, d.prompt.Token)
	require.NoError(t, err)
	assert.Equal(t, "fg", stored.ResponsibleAgentID)
	assert.False(t, stored.Requester.Foreground)

	_, err = f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, Approved: true, Scope: agent.ScopeAlways})
	require.NoError(t, err)
	r := await(t, pending)
	require.NoError(t, r.err)

	bg, err := f.agents.Get(ctx, "bg")
	require.NoError(t, err)
	assert.True(t, bg.Permissions.Events)
	fg, err := f.agents.Get(ctx, "fg")
	require.NoError(t, err)
	assert.False(t, fg.Permissions.Events)
}

func TestService_NoForegroundAgent(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.svc.Request(context.Background(), approval.Input{AgentID: "orphan", Permissions: []string{"@web"}})
	assert.ErrorIs(t, err, approval.ErrNotGranted)
}

func TestService_ConnectorPanicIsNotGranted(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, approval.Input{AgentID: "fragile", Permissions: []string{"@web"}})
	require.ErrorIs(t, err, approval.ErrNotGranted)

	reqs, err := f.svc.List(ctx, approval.StatusExpired)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "fragile", reqs[0].AgentID)
	assert.Contains(t, reqs[0].FailureReason, "delivery failed")
}

func TestService_MalformedPermissions(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.svc.Request(context.Background(), approval.Input{AgentID: "fg", Permissions: []string{"@bogus", "@read:relative"}})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	assert.NotErrorIs(t, err, approval.ErrNotGranted)

	_, err = f.svc.Request(context.Background(), approval.Input{AgentID: "fg"})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestService_GrantSubset(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	pending := f.request(approval.Input{AgentID: "fg", Permissions: []string{"@read:/data", "@write:/data"}})
	d := f.nextDelivery(t)

	_, err := f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, Approved: true, Permissions: []string{"@write:/etc"}})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	_, err = f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, AgentID: "bg", Approved: true})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = f.svc.Decide(ctx, approval.Decision{Token: d.prompt.Token, Approved: true, Permissions: []string{"@read:/data"}})
	require.NoError(t, err)

	r := await(t, pending)
	require.NoError(t, r.err)
	require.Len(t, r.outcome.Granted, 1)
	assert.Equal(t, "@read:/data", r.outcome.Granted[0].String())
	assert.Empty(t, r.outcome.Permissions.WriteDirs)
}

func TestService_DecideUnknownToken(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.svc.Decide(context.Background(), approval.Decision{Token: "../agents/fg", Approved: true})
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestService_SweepExpired(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.requests.Create(ctx, &approval.Request{
		ID: "01", Token: "stale", AgentID: "fg", Status: approval.StatusPending, TimeoutAt: now.Add(-time.Minute),
	}))
	require.NoError(t, f.requests.Create(ctx, &approval.Request{
		ID: "02", Token: "fresh", AgentID: "fg", Status: approval.StatusPending, TimeoutAt: now.Add(time.Hour),
	}))

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := f.requests.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, stale.Status)
	fresh, err := f.requests.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, fresh.Status)

	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_InvalidAgentID(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.svc.Request(context.Background(), approval.Input{AgentID: "../permission_requests/x", Permissions: []string{"@web"}})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	assert.NotErrorIs(t, err, approval.ErrNotGranted)
}

type slowConnector struct{ delay time.Duration }

func (slowConnector) Name() string { return "slow" }

func (c slowConnector) SendMessage(ctx context.Context, _ string, _ connector.Message) error {
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestService_SlowDeliveryCountsAgainstDeadline(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, f.agents.Upsert(ctx, &agent.Agent{
		ID: "slowpoke", UserID: "u4", Kind: agent.KindForeground, Connector: "slow",
	}))
	timeout := 300 * time.Millisecond
	svc := approval.NewService(f.requests, f.agents, connector.NewRegistry(slowConnector{delay: 2 * timeout}),
		approval.NewRegistry(), approval.Config{Timeout: timeout})

	start := time.Now()
	_, err := svc.Request(ctx, approval.Input{AgentID: "slowpoke", Permissions: []string{"@web"}})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, approval.ErrNotGranted)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, elapsed, 2*timeout+timeout/2)

	reqs, err := svc.List(ctx, approval.StatusExpired)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "slowpoke", reqs[0].AgentID)
}
