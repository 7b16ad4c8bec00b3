package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/lexwire/internal/pipeline"
	"github.com/ent0n29/lexwire/internal/policy"
	"github.com/ent0n29/lexwire/internal/protocol"
	"github.com/ent0n29/lexwire/internal/session"
)

type published struct {
	sessionID string
	payload   protocol.Payload
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(sessionID string, payload protocol.Payload) (protocol.Notification, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{sessionID: sessionID, payload: payload})
	return protocol.Notification{SessionID: sessionID, Seq: uint64(len(p.events)), Payload: payload}, 1, nil
}

func (p *fakePublisher) kinds() []protocol.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.payload.Kind())
	}
	return out
}

func (p *fakePublisher) payloads() []protocol.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Payload, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.payload)
	}
	return out
}

func (p *fakePublisher) count(kind protocol.MessageType) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// blockingPipeline waits for cancellation, or for release when ignoreCtx is
// set, and then returns reply.
type blockingPipeline struct {
	ignoreCtx bool
	release   chan struct{}
	started   chan string
	reply     pipeline.Result
}

func newBlockingPipeline(ignoreCtx bool) *blockingPipeline {
	return &blockingPipeline{
		ignoreCtx: ignoreCtx,
		release:   make(chan struct{}),
		started:   make(chan string, 128),
		reply:     pipeline.Result{Response: "late answer", Agent: "router"},
	}
}

func (p *blockingPipeline) Invoke(ctx context.Context, cmd pipeline.Command) (pipeline.Result, error) {
	p.started <- cmd.TaskID
	if p.ignoreCtx {
		<-p.release
		return p.reply, nil
	}
	select {
	case <-ctx.Done():
		return pipeline.Result{}, pipeline.ErrCancelled
	case <-p.release:
		return p.reply, nil
	}
}

type harness struct {
	m   *Manager
	reg *session.Registry
	pub *fakePublisher
}

func newHarness(t *testing.T, pipe pipeline.Pipeline, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		TaskTimeout:  time.Minute,
		HistoryLimit: 8,
		Policy:       policy.New(policy.Config{UserQueryPreempts: true}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reg := session.NewRegistry(time.Minute)
	reg.CreateOrGet("s1", "tenant", "u1")
	pub := &fakePublisher{}
	m := NewManager(cfg, reg, pub, pipe, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{m: m, reg: reg, pub: pub}
}

func userQuery(q string) Command {
	return Command{Class: policy.ClassUserQuery, Source: policy.SourceClient, Query: q}
}

func waitStarted(t *testing.T, p *blockingPipeline) string {
	t.Helper()
	select {
	case id := <-p.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline was not invoked")
		return ""
	}
}

func TestDispatchRunsToCompletion(t *testing.T) {
	h := newHarness(t, pipeline.NewMockPipeline(0), nil)

	task, decision, err := h.m.Dispatch(context.Background(), "s1", userQuery("review the NDA"))
	require.NoError(t, err)
	assert.Equal(t, policy.Preempt, decision)
	assert.Equal(t, StatusRunning, task.Status)
	assert.NotEmpty(t, task.ID)

	require.Eventually(t, func() bool {
		got, err := h.m.Get(task.ID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []protocol.MessageType{protocol.TypeAck, protocol.TypeResponse}, h.pub.kinds())
	resp := h.pub.payloads()[1].(protocol.Response)
	assert.Equal(t, "I heard you: review the NDA", resp.Response)
	assert.Equal(t, task.ID, resp.TaskID)

	_, active := h.reg.ActiveTask("s1")
	assert.False(t, active)
}

func TestPreemptionPublishesCancelBeforeNewAck(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	a, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("first"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	b, decision, err := h.m.Dispatch(context.Background(), "s1", userQuery("second"))
	require.NoError(t, err)
	assert.Equal(t, policy.Preempt, decision)

	assert.Equal(t, []protocol.MessageType{
		protocol.TypeAck,
		protocol.TypeProcessingCancelled,
		protocol.TypeAck,
	}, h.pub.kinds())

	cancelled := h.pub.payloads()[1].(protocol.ProcessingCancelled)
	assert.Equal(t, a.ID, cancelled.TaskID)
	assert.Equal(t, ReasonSuperseded, cancelled.Source)

	gotA, err := h.m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, gotA.Status)
	assert.Equal(t, ReasonSuperseded, gotA.Reason)

	active, ok := h.reg.ActiveTask("s1")
	require.True(t, ok)
	assert.Equal(t, b.ID, active)
}

func TestStaleResultIsDropped(t *testing.T) {
	pipe := newBlockingPipeline(true)
	h := newHarness(t, pipe, nil)

	a, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("slow"))
	require.NoError(t, err)
	waitStarted(t, pipe)
	b, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("fresh"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	// Both workers return; only b may emit a response.
	close(pipe.release)
	require.Eventually(t, func() bool {
		return h.m.Stats().InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)

	var responses []protocol.Response
	for _, p := range h.pub.payloads() {
		if r, ok := p.(protocol.Response); ok {
			responses = append(responses, r)
		}
	}
	require.Len(t, responses, 1)
	assert.Equal(t, b.ID, responses[0].TaskID)
	assert.EqualValues(t, 1, h.m.Stats().RaceDrops)

	gotA, err := h.m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, gotA.Status)
}

func TestRapidFireLeavesOneActiveTask(t *testing.T) {
	h := newHarness(t, pipeline.NewMockPipeline(25*time.Millisecond), nil)

	var peak atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			if n := int64(h.m.Stats().ActiveBySession["s1"]); n > peak.Load() {
				peak.Store(n)
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("again"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st := h.m.Stats()
	assert.EqualValues(t, n, st.Dispatched)
	assert.Equal(t, n, h.pub.count(protocol.TypeAck))

	require.Eventually(t, func() bool {
		return h.pub.count(protocol.TypeResponse) == 1 && h.m.Stats().ActiveTasks == 0
	}, 2*time.Second, 5*time.Millisecond)
	close(stop)
	<-sampled

	assert.LessOrEqual(t, peak.Load(), int64(1))
	assert.Equal(t, n-1, h.pub.count(protocol.TypeProcessingCancelled))
	assert.EqualValues(t, n-1, h.m.Stats().Cancelled)
	assert.EqualValues(t, 1, h.m.Stats().Completed)

	// Every processing_cancelled precedes the ack of the task that replaced
	// it, and the single response comes after all of them.
	kinds := h.pub.kinds()
	require.Len(t, kinds, 2*n)
	assert.Equal(t, protocol.TypeAck, kinds[0])
	for i := 1; i < 2*n-1; i += 2 {
		assert.Equal(t, protocol.TypeProcessingCancelled, kinds[i])
		assert.Equal(t, protocol.TypeAck, kinds[i+1])
	}
	assert.Equal(t, protocol.TypeResponse, kinds[2*n-1])
}

func TestNormalToolNotificationCoexists(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	a, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("draft"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	task, decision, err := h.m.Dispatch(context.Background(), "s1", Command{
		Class:  policy.ClassToolNotification,
		Source: policy.SourceTool,
		Query:  "Document upload finished",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.Coexist, decision)
	assert.Empty(t, task.ID)

	assert.Equal(t, []protocol.MessageType{protocol.TypeAck, protocol.TypeNotice}, h.pub.kinds())
	active, ok := h.reg.ActiveTask("s1")
	require.True(t, ok)
	assert.Equal(t, a.ID, active)
}

func TestSuggestionOnlyToolNotificationCoexists(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	_, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("draft"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	_, decision, err := h.m.Dispatch(context.Background(), "s1", Command{
		Class:             policy.ClassToolNotification,
		Source:            policy.SourceTool,
		ActionSuggestions: map[string]any{"next": "sign"},
	})
	require.NoError(t, err)
	assert.Equal(t, policy.Coexist, decision)
	upd := h.pub.payloads()[1].(protocol.SuggestionsUpdate)
	assert.Empty(t, upd.TaskID)
}

func TestUrgentToolNotificationPreempts(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	a, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("draft"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	b, decision, err := h.m.Dispatch(context.Background(), "s1", Command{
		Class:  policy.ClassToolUrgent,
		Source: policy.SourceTool,
		Query:  "Court date moved, re-plan",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.Preempt, decision)

	gotA, err := h.m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonUrgentTool, gotA.Reason)
	active, _ := h.reg.ActiveTask("s1")
	assert.Equal(t, b.ID, active)
}

func TestUserQueryRejectedWhenPreemptionDisabled(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, func(c *Config) {
		c.Policy = policy.New(policy.Config{UserQueryPreempts: false})
	})

	a, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("first"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	_, decision, err := h.m.Dispatch(context.Background(), "s1", userQuery("second"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, policy.Reject, decision)

	active, _ := h.reg.ActiveTask("s1")
	assert.Equal(t, a.ID, active)
	assert.Equal(t, []protocol.MessageType{protocol.TypeAck}, h.pub.kinds())
}

func TestPipelineErrorPublishesOneErrorResponse(t *testing.T) {
	pipe := pipeline.Func(func(ctx context.Context, cmd pipeline.Command) (pipeline.Result, error) {
		return pipeline.Result{}, errors.New("agent crashed")
	})
	h := newHarness(t, pipe, nil)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("boom"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.m.Get(task.ID)
		return err == nil && got.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.pub.count(protocol.TypeResponse))
	resp := h.pub.payloads()[1].(protocol.Response)
	assert.True(t, resp.Error)
	assert.Contains(t, resp.Response, "agent crashed")

	got, _ := h.m.Get(task.ID)
	assert.Equal(t, "agent crashed", got.Error)
	_, active := h.reg.ActiveTask("s1")
	assert.False(t, active)
}

func TestPipelinePanicBecomesFailure(t *testing.T) {
	pipe := pipeline.Func(func(ctx context.Context, cmd pipeline.Command) (pipeline.Result, error) {
		panic("nil map")
	})
	h := newHarness(t, pipe, nil)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("boom"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := h.m.Get(task.ID)
		return err == nil && got.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSuggestionsOnlyResult(t *testing.T) {
	pipe := pipeline.Func(func(ctx context.Context, cmd pipeline.Command) (pipeline.Result, error) {
		return pipeline.Result{ActionSuggestions: map[string]any{"upload": "lease.pdf"}}, nil
	})
	h := newHarness(t, pipe, nil)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("what next"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.pub.count(protocol.TypeSuggestionsUpdate) == 1
	}, 2*time.Second, 5*time.Millisecond)

	upd := h.pub.payloads()[1].(protocol.SuggestionsUpdate)
	assert.Equal(t, task.ID, upd.TaskID)
	assert.Zero(t, h.pub.count(protocol.TypeResponse))
}

func TestCancelIsIdempotent(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("long"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	got, err := h.m.Cancel(task.ID, ReasonClient)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = h.m.Cancel(task.ID, ReasonClient)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = h.m.Cancel("unknown", ReasonClient)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.Equal(t, 1, h.pub.count(protocol.TypeProcessingCancelled))
	require.Eventually(t, func() bool { return h.m.Stats().InFlight == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.pub.count(protocol.TypeProcessingCancelled))
}

func TestCancelSession(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	_, err := h.m.CancelSession("s1", ReasonAPI)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("long"))
	require.NoError(t, err)
	got, err := h.m.CancelSession("s1", ReasonAPI)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	_, active := h.reg.ActiveTask("s1")
	assert.False(t, active)
}

func TestTaskTimeoutCancelsThroughCancelPath(t *testing.T) {
	pipe := newBlockingPipeline(true)
	h := newHarness(t, pipe, func(c *Config) { c.TaskTimeout = 30 * time.Millisecond })

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("hangs"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.pub.count(protocol.TypeProcessingCancelled) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, ReasonTimeout, got.Reason)

	close(pipe.release)
	require.Eventually(t, func() bool { return h.m.Stats().InFlight == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.pub.count(protocol.TypeResponse))
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("long"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(ctx))

	got, err := h.m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonShutdown, got.Reason)

	_, _, err = h.m.Dispatch(context.Background(), "s1", userQuery("late"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestHistoryIsBounded(t *testing.T) {
	h := newHarness(t, pipeline.NewMockPipeline(0), func(c *Config) { c.HistoryLimit = 3 })

	var last Task
	for i := 0; i < 5; i++ {
		task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("q"))
		require.NoError(t, err)
		last = task
		require.Eventually(t, func() bool {
			got, err := h.m.Get(task.ID)
			return err == nil && got.Terminal()
		}, 2*time.Second, 5*time.Millisecond)
	}

	list := h.m.ListBySession("s1", 0)
	require.Len(t, list, 3)
	assert.Equal(t, last.ID, list[0].ID)
}

func TestForgetSessionDropsHistory(t *testing.T) {
	pipe := newBlockingPipeline(false)
	h := newHarness(t, pipe, nil)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("long"))
	require.NoError(t, err)

	h.m.ForgetSession("s1")
	_, err = h.m.Get(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Zero(t, h.m.Stats().ActiveTasks)
}

func TestPipelineReportedCancellation(t *testing.T) {
	h := newHarness(t, pipeline.Func(func(context.Context, pipeline.Command) (pipeline.Result, error) {
		return pipeline.Result{}, pipeline.ErrCancelled
	}), nil)

	task, _, err := h.m.Dispatch(context.Background(), "s1", userQuery("gives up"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.m.Get(task.ID)
		return err == nil && got.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, ReasonPipelineCancelled, got.Reason)

	var cancelled []protocol.ProcessingCancelled
	for _, p := range h.pub.payloads() {
		if pc, ok := p.(protocol.ProcessingCancelled); ok {
			cancelled = append(cancelled, pc)
		}
	}
	require.Len(t, cancelled, 1)
	assert.Equal(t, task.ID, cancelled[0].TaskID)
	assert.Equal(t, ReasonPipelineCancelled, cancelled[0].Source)
	assert.NotContains(t, cancelled[0].Message, "shutting down")
}

// slowSessions stretches ActiveTask so concurrent dispatchers that are not
// serialized would both observe an idle session.
type slowSessions struct {
	*session.Registry
	delay atomic.Int64
}

func (s *slowSessions) ActiveTask(sessionID string) (string, bool) {
	if d := time.Duration(s.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	return s.Registry.ActiveTask(sessionID)
}

// holdingPublisher parks the first processing_cancelled publish after hold
// is set until release is closed.
type holdingPublisher struct {
	*fakePublisher
	hold    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (p *holdingPublisher) Publish(sessionID string, payload protocol.Payload) (protocol.Notification, int, error) {
	if payload.Kind() == protocol.TypeProcessingCancelled && p.hold.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.release
	}
	return p.fakePublisher.Publish(sessionID, payload)
}

func lockRefs(m *Manager, sessionID string) int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if l, ok := m.locks[sessionID]; ok {
		return l.refs
	}
	return 0
}

func TestForgetSessionRacingRecreatedSessionKeepsOneTask(t *testing.T) {
	pipe := newBlockingPipeline(false)
	reg := session.NewRegistry(time.Minute)
	reg.CreateOrGet("s1", "tenant", "u1")
	sessions := &slowSessions{Registry: reg}
	pub := &holdingPublisher{
		fakePublisher: &fakePublisher{},
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	m := NewManager(Config{
		TaskTimeout:  time.Minute,
		HistoryLimit: 8,
		Policy:       policy.New(policy.Config{UserQueryPreempts: true}),
	}, sessions, pub, pipe, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	_, _, err := m.Dispatch(context.Background(), "s1", userQuery("a"))
	require.NoError(t, err)
	waitStarted(t, pipe)

	// Teardown stalls while publishing the cancellation of the live task.
	pub.hold.Store(true)
	forgotten := make(chan struct{})
	go func() {
		defer close(forgotten)
		m.ForgetSession("s1")
	}()
	<-pub.entered

	_, err = reg.Remove("s1")
	require.NoError(t, err)
	reg.CreateOrGet("s1", "tenant", "u1")
	sessions.delay.Store(int64(20 * time.Millisecond))

	var wg sync.WaitGroup
	dispatch := func(q string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Dispatch(context.Background(), "s1", userQuery(q))
			assert.NoError(t, err)
		}()
	}

	dispatch("b")
	require.Eventually(t, func() bool { return lockRefs(m, "s1") == 2 }, 2*time.Second, time.Millisecond)

	close(pub.release)
	<-forgotten
	dispatch("c")
	wg.Wait()

	assert.Equal(t, 1, m.Stats().ActiveBySession["s1"])
	assert.Zero(t, lockRefs(m, "s1"))
	active, ok := reg.ActiveTask("s1")
	require.True(t, ok)
	assert.NotEmpty(t, active)
}
