package task

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/smqterm/internal/display"
	"github.com/user/smqterm/internal/pipeline"
	"github.com/user/smqterm/internal/protocol"
	"github.com/user/smqterm/internal/types"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []any
	err    error
}

func (s *fakeSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, v)
	return nil
}

func (s *fakeSender) sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.frames))
	copy(out, s.frames)
	return out
}

type fakeTimer struct {
	clk  *fakeClock
	when time.Time
	fn   func()
	dead bool
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := !t.dead
	t.dead = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) display.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.dead || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.dead = true
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()
		next.fn()
	}
}

type memEvents struct {
	mu     sync.Mutex
	events []*types.StoredEvent
}

func (m *memEvents) Append(_ context.Context, ev *types.StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) Tail(_ context.Context, _ types.SessionID, limit int) ([]*types.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.events) {
		limit = len(m.events)
	}
	return m.events[len(m.events)-limit:], nil
}

func (m *memEvents) Count(_ context.Context, _ types.SessionID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

func newTestController(t *testing.T, clk *fakeClock, events types.EventStore) (*Controller, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	c := New(Config{
		Sender:    sender,
		SessionID: types.NewSessionID(),
		Events:    events,
		Clock:     clk,
	})
	return c, sender
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func lastTurn(t *testing.T, c *Controller) types.Turn {
	t.Helper()
	turns := c.Conversation().Turns()
	if len(turns) == 0 {
		t.Fatal("no turns")
	}
	return turns[len(turns)-1]
}

func TestTaskResolvesWithResultBundle(t *testing.T) {
	c, _ := newTestController(t, newFakeClock(), nil)
	done, err := c.Submit(context.Background(), "revenue by region", Options{})
	if err != nil {
		t.Fatal(err)
	}

	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "classifyJoy", "content": "classify the question"}))
	c.HandleFrame(frame(t, map[string]any{"type": "thought", "step": "classifyJoy", "content": "question_type=metric"}))
	c.HandleFrame(frame(t, map[string]any{"type": "complete", "content": "done", "smq": map[string]any{"metrics": []string{"revenue"}}}))

	var out Outcome
	select {
	case out = <-done:
	default:
		t.Fatal("task did not resolve")
	}
	if out.Kind != protocol.TypeComplete {
		t.Fatalf("kind = %s", out.Kind)
	}
	if out.Bundle == nil || len(out.Bundle.SMQ) == 0 {
		t.Fatalf("bundle missing: %+v", out.Bundle)
	}

	turn := lastTurn(t, c)
	if turn.Open || turn.Content != "done" {
		t.Fatalf("turn = %+v", turn)
	}
	if turn.Results == nil || len(turn.Results.SMQ) == 0 {
		t.Fatal("smq not attached to turn")
	}
	if st := c.Pipeline().Get("classifyJoy"); st.Status != types.StageComplete {
		t.Fatalf("classifyJoy = %s", st.Status)
	}
	if st := c.Pipeline().Get(pipeline.CompleteStage); st.Status != types.StageComplete {
		t.Fatalf("complete stage = %s", st.Status)
	}
}

func TestDeltaSuppressedAfterSuccess(t *testing.T) {
	c, _ := newTestController(t, newFakeClock(), nil)
	if _, err := c.Submit(context.Background(), "hi", Options{}); err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "success", "step": "respondent", "content": "partial"}))
	c.HandleFrame(frame(t, map[string]any{"type": "delta", "content": "ignored"}))

	if got := lastTurn(t, c).Content; got != "partial" {
		t.Fatalf("content = %q", got)
	}
}

func TestCancelResolvesLocallyAndDropsLaterFrames(t *testing.T) {
	c, sender := newTestController(t, newFakeClock(), nil)
	done, err := c.Submit(context.Background(), "slow question", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "manipulation", "content": "build the query"}))

	if err := c.Cancel(); err != nil {
		t.Fatal(err)
	}

	var cancels int
	for _, f := range sender.sent() {
		if _, ok := f.(protocol.Cancel); ok {
			cancels++
		}
	}
	if cancels != 1 {
		t.Fatalf("cancel frames sent = %d", cancels)
	}

	var out Outcome
	select {
	case out = <-done:
	default:
		t.Fatal("cancel did not resolve the task")
	}
	if out.Kind != protocol.TypeCancelled {
		t.Fatalf("kind = %s", out.Kind)
	}
	turn := lastTurn(t, c)
	if turn.Open || turn.Content != "Task cancelled." {
		t.Fatalf("turn = %+v", turn)
	}

	// Late frames for the cancelled task must not mutate anything.
	c.HandleFrame(frame(t, map[string]any{"type": "success", "step": "respondent", "content": "too late"}))
	if got := lastTurn(t, c).Content; got != "Task cancelled." {
		t.Fatalf("late frame mutated turn: %q", got)
	}
}

func TestCeilingFailsSilentTask(t *testing.T) {
	clk := newFakeClock()
	c, _ := newTestController(t, clk, nil)
	done, err := c.Submit(context.Background(), "anything", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "executeQuery", "content": "run"}))

	clk.Advance(DefaultCeiling)

	var out Outcome
	select {
	case out = <-done:
	default:
		t.Fatal("ceiling did not resolve the task")
	}
	if out.Kind != protocol.TypeError {
		t.Fatalf("kind = %s", out.Kind)
	}
	turn := lastTurn(t, c)
	if turn.Open || turn.Role != types.RoleError || !strings.Contains(turn.Content, "did not finish") {
		t.Fatalf("turn = %+v", turn)
	}
	if st := c.Pipeline().Get("executeQuery"); st.Status != types.StageError {
		t.Fatalf("running stage after timeout = %s", st.Status)
	}
}

func TestTerminalFrameBeatsCeiling(t *testing.T) {
	clk := newFakeClock()
	c, _ := newTestController(t, clk, nil)
	done, err := c.Submit(context.Background(), "quick", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "complete", "content": "fast answer"}))
	clk.Advance(DefaultCeiling)

	out := <-done
	if out.Kind != protocol.TypeComplete {
		t.Fatalf("kind = %s", out.Kind)
	}
	if got := lastTurn(t, c).Content; got != "fast answer" {
		t.Fatalf("ceiling overwrote resolved turn: %q", got)
	}
}

func TestSecondSubmitIsRejectedWhileBusy(t *testing.T) {
	c, _ := newTestController(t, newFakeClock(), nil)
	if _, err := c.Submit(context.Background(), "one", Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit(context.Background(), "two", Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v", err)
	}

	c.HandleFrame(frame(t, map[string]any{"type": "complete", "content": "done"}))
	if _, err := c.Submit(context.Background(), "three", Options{}); err != nil {
		t.Fatalf("submit after resolve: %v", err)
	}
}

func TestAnswerOnlyWhileWaiting(t *testing.T) {
	c, sender := newTestController(t, newFakeClock(), nil)
	if _, err := c.Submit(context.Background(), "ambiguous", Options{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Answer("clarified"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("err = %v", err)
	}

	c.HandleFrame(frame(t, map[string]any{
		"type": "tool_call", "step": "splitQuestion",
		"tool": protocol.ReQuestionTool,
		"args": map[string]any{"question": "which year?"},
	}))
	if !c.Pipeline().Waiting() {
		t.Fatal("expected waiting sub-state")
	}
	if err := c.Answer("2025"); err != nil {
		t.Fatal(err)
	}

	sent := sender.sent()
	last, ok := sent[len(sent)-1].(protocol.Submit)
	if !ok || last.Message != "2025" {
		t.Fatalf("last frame = %#v", sent[len(sent)-1])
	}
}

func TestFramesAppendedToEventLog(t *testing.T) {
	store := &memEvents{}
	c, _ := newTestController(t, newFakeClock(), store)
	if _, err := c.Submit(context.Background(), "log me", Options{}); err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "classifyJoy", "content": "p"}))
	c.HandleFrame(frame(t, map[string]any{"type": "complete", "content": "done"}))

	// The outbound submission is logged ahead of the two inbound frames.
	n, _ := store.Count(context.Background(), "")
	if n != 3 {
		t.Fatalf("stored events = %d", n)
	}
	tail, _ := store.Tail(context.Background(), "", 3)
	if tail[0].Seq != 1 || tail[1].Seq != 2 || tail[2].Seq != 3 {
		t.Fatalf("seqs = %d,%d,%d", tail[0].Seq, tail[1].Seq, tail[2].Seq)
	}
	var submit struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(tail[0].Frame, &submit); err != nil || submit.Message != "log me" {
		t.Fatalf("first logged frame = %s", tail[0].Frame)
	}
}

func TestSessionErrorSettlesDisplayedStages(t *testing.T) {
	clk := newFakeClock()
	c, _ := newTestController(t, clk, nil)
	done, err := c.Submit(context.Background(), "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "classifyJoy", "content": "classify"}))
	c.HandleFrame(frame(t, map[string]any{"type": "error", "content": "backend gave up"}))

	var out Outcome
	select {
	case out = <-done:
	default:
		t.Fatal("session error did not resolve the task")
	}
	if out.Kind != protocol.TypeError {
		t.Fatalf("kind = %s", out.Kind)
	}

	// The displayed stage must not keep spinning after the task failed.
	d := c.Display().Displayed()
	if d["classifyJoy"].Status != types.StageError {
		t.Fatalf("displayed stage after session error = %+v", d)
	}
	clk.Advance(display.DefaultConfig().ErrorEvict)
	if d := c.Display().Displayed(); len(d) != 0 {
		t.Fatalf("failed stage not evicted: %v", d)
	}
}

func TestServerCancelledSettlesDisplayedStages(t *testing.T) {
	c, _ := newTestController(t, newFakeClock(), nil)
	done, err := c.Submit(context.Background(), "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "executeQuery", "content": "run"}))
	c.HandleFrame(frame(t, map[string]any{"type": "cancelled"}))

	select {
	case out := <-done:
		if out.Kind != protocol.TypeCancelled {
			t.Fatalf("kind = %s", out.Kind)
		}
	default:
		t.Fatal("server cancel did not resolve the task")
	}
	if d := c.Display().Displayed(); d["executeQuery"].Status != types.StageError {
		t.Fatalf("displayed stage after server cancel = %+v", d)
	}
}

func TestFramesRaceLocalCancel(t *testing.T) {
	c, _ := newTestController(t, newFakeClock(), nil)
	done, err := c.Submit(context.Background(), "slow", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "manipulation", "content": "build"}))

	delta := frame(t, map[string]any{"type": "delta", "content": "x"})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.HandleFrame(delta)
		}
	}()
	if err := c.Cancel(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	out := <-done
	if out.Kind != protocol.TypeCancelled {
		t.Fatalf("kind = %s", out.Kind)
	}
	turn := lastTurn(t, c)
	if turn.Open || turn.Content != "Task cancelled." {
		t.Fatalf("turn = %+v", turn)
	}
}

func TestFramesRaceCeilingExpiry(t *testing.T) {
	clk := newFakeClock()
	c, _ := newTestController(t, clk, nil)
	done, err := c.Submit(context.Background(), "slow", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame(t, map[string]any{"type": "prompt", "step": "executeQuery", "content": "run"}))

	delta := frame(t, map[string]any{"type": "delta", "content": "x"})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.HandleFrame(delta)
		}
	}()
	clk.Advance(DefaultCeiling)
	wg.Wait()

	out := <-done
	if out.Kind != protocol.TypeError {
		t.Fatalf("kind = %s", out.Kind)
	}
	if st := c.Pipeline().Get("executeQuery"); st.Status != types.StageError {
		t.Fatalf("stage after expiry = %s", st.Status)
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	c, _ := newTestController(t, newFakeClock(), nil)
	done, err := c.Submit(context.Background(), "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame([]byte("{not json"))
	c.HandleFrame(frame(t, map[string]any{"type": "complete", "content": "fine"}))

	out := <-done
	if out.Kind != protocol.TypeComplete {
		t.Fatalf("kind = %s", out.Kind)
	}
}
