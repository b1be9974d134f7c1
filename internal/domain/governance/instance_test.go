package governance

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

// newTestInstance returns an instance governing one gated and one open tool.
func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	inst := NewInstance("gov-42", "mock-calendar")
	inst.SetTools(map[string]policy.Tag{
		"create_event": policy.TagGated,
		"list_events":  policy.TagOpen,
	})
	return inst
}

func gatedCall(args string) EvaluateInput {
	return EvaluateInput{
		Tool:      "create_event",
		Caller:    "jarvis@acme.com",
		Claims:    map[string]interface{}{"organization": "acme"},
		Arguments: json.RawMessage(args),
		SessionID: "sess-1",
		Payload:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`),
	}
}

func TestInstanceEvaluate_FirstCallPends(t *testing.T) {
	inst := newTestInstance(t)

	d := inst.Evaluate(gatedCall(`{"title":"T","date":"2026-02-15"}`))
	if d.Decision != DecisionPending {
		t.Fatalf("decision = %q, want pending", d.Decision)
	}
	if d.RequestID != "REQ-1" {
		t.Errorf("request id = %q, want REQ-1", d.RequestID)
	}

	pending := inst.PendingRequests()
	if len(pending) != 1 || pending[0].ID != "REQ-1" {
		t.Fatalf("pending = %+v, want one REQ-1", pending)
	}
	if pending[0].Status != StatusPending {
		t.Errorf("status = %q, want pending", pending[0].Status)
	}
}

func TestInstanceEvaluate_RetryIsIdempotent(t *testing.T) {
	inst := newTestInstance(t)

	first := inst.Evaluate(gatedCall(`{"title":"T","date":"2026-02-15"}`))
	retry := inst.Evaluate(gatedCall(`{"title":"T","date":"2026-02-15"}`))

	if retry.Decision != DecisionPending || retry.RequestID != first.RequestID {
		t.Errorf("retry = %+v, want same pending %s", retry, first.RequestID)
	}
	if got := len(inst.PendingRequests()); got != 1 {
		t.Errorf("pending count = %d, want 1", got)
	}
}

func TestInstanceEvaluate_CanonicalArgumentsShareRequest(t *testing.T) {
	inst := newTestInstance(t)

	// Key order and whitespace differ; the canonical digest is identical.
	a := inst.Evaluate(gatedCall(`{"title":"T","date":"2026-02-15"}`))
	b := inst.Evaluate(gatedCall(`{ "date": "2026-02-15", "title": "T" }`))

	if a.RequestID != b.RequestID {
		t.Errorf("equivalent arguments should dedupe: %q vs %q", a.RequestID, b.RequestID)
	}

	c := inst.Evaluate(gatedCall(`{"title":"T","date":"2026-02-16"}`))
	if c.RequestID == a.RequestID {
		t.Error("different arguments should open a separate request")
	}
}

func TestInstanceEvaluate_ApproveConsumedOnce(t *testing.T) {
	inst := newTestInstance(t)
	call := gatedCall(`{"title":"T"}`)

	first := inst.Evaluate(call)
	if err := inst.Approve(first.RequestID, "admin@acme.com"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// First re-evaluate consumes the approval.
	second := inst.Evaluate(call)
	if second.Decision != DecisionAllow || second.RequestID != first.RequestID {
		t.Fatalf("post-approval evaluate = %+v, want allow %s", second, first.RequestID)
	}

	// The next identical call starts a fresh pending with a new id.
	third := inst.Evaluate(call)
	if third.Decision != DecisionPending {
		t.Fatalf("third evaluate = %+v, want pending", third)
	}
	if third.RequestID == first.RequestID {
		t.Error("consumed approval should not be reused")
	}

	req, ok := inst.Request(first.RequestID)
	if !ok || !req.DecisionConsumed {
		t.Errorf("first request should be retained as consumed, got %+v", req)
	}
}

func TestInstanceEvaluate_DenyConsumedOnce(t *testing.T) {
	inst := newTestInstance(t)
	call := gatedCall(`{"title":"T"}`)

	first := inst.Evaluate(call)
	if err := inst.Deny(first.RequestID, "admin@acme.com", "not needed"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}

	second := inst.Evaluate(call)
	if second.Decision != DecisionDeny {
		t.Fatalf("post-denial evaluate = %+v, want deny", second)
	}
	if !strings.Contains(second.Message, "not needed") {
		t.Errorf("denial message = %q, want the admin reason", second.Message)
	}

	third := inst.Evaluate(call)
	if third.Decision != DecisionPending || third.RequestID == first.RequestID {
		t.Errorf("after consumption a fresh pending should open, got %+v", third)
	}
}

func TestInstanceEvaluate_NonGatedToolAllows(t *testing.T) {
	inst := newTestInstance(t)

	in := gatedCall(`{}`)
	in.Tool = "list_events"
	if d := inst.Evaluate(in); d.Decision != DecisionAllow {
		t.Errorf("open tool decision = %q, want allow", d.Decision)
	}

	in.Tool = "unheard_of"
	if d := inst.Evaluate(in); d.Decision != DecisionAllow {
		t.Errorf("unknown tool decision = %q, want allow", d.Decision)
	}
	if got := len(inst.Requests("")); got != 0 {
		t.Errorf("no requests should be created, got %d", got)
	}
}

func TestInstanceEvaluate_ConstraintViolationDeniesWithoutPending(t *testing.T) {
	inst := newTestInstance(t)
	if err := inst.AddConstraint(Constraint{
		ToolName:    "create_event",
		ParamName:   "calendar",
		Operator:    OpIn,
		Values:      []string{"work"},
		Description: "only the work calendar is writable",
	}); err != nil {
		t.Fatalf("AddConstraint() error = %v", err)
	}

	d := inst.Evaluate(gatedCall(`{"calendar":"personal"}`))
	if d.Decision != DecisionDeny {
		t.Fatalf("decision = %q, want deny", d.Decision)
	}
	if d.Message != "Constraint violated: only the work calendar is writable" {
		t.Errorf("message = %q", d.Message)
	}
	if d.RequestID != "" {
		t.Errorf("constraint denial should carry no request id, got %q", d.RequestID)
	}
	if got := len(inst.Requests("")); got != 0 {
		t.Errorf("constraint violation must not create a request, got %d", got)
	}

	// Passing arguments still enter the approval workflow.
	ok := inst.Evaluate(gatedCall(`{"calendar":"work"}`))
	if ok.Decision != DecisionPending {
		t.Errorf("passing call = %+v, want pending", ok)
	}
}

func TestInstanceEvaluate_ApprovalNotRequired(t *testing.T) {
	inst := newTestInstance(t)
	inst.SetApprovalRequired("create_event", false)

	d := inst.Evaluate(gatedCall(`{"title":"T"}`))
	if d.Decision != DecisionAllow {
		t.Fatalf("decision = %q, want allow", d.Decision)
	}
	if d.Message != "Constraints satisfied" {
		t.Errorf("message = %q, want Constraints satisfied", d.Message)
	}
	if got := len(inst.Requests("")); got != 0 {
		t.Errorf("auto-allow must not create a request, got %d", got)
	}

	// Toggling back restores the workflow.
	inst.SetApprovalRequired("create_event", true)
	if d := inst.Evaluate(gatedCall(`{"title":"T"}`)); d.Decision != DecisionPending {
		t.Errorf("after re-enabling approval, decision = %q, want pending", d.Decision)
	}
}

func TestInstanceApprove_Errors(t *testing.T) {
	inst := newTestInstance(t)

	if err := inst.Approve("REQ-99", "admin"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("unknown id error = %v, want ErrUnknownRequest", err)
	}

	d := inst.Evaluate(gatedCall(`{"title":"T"}`))
	if err := inst.Approve(d.RequestID, "admin"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if err := inst.Approve(d.RequestID, "admin"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double approve error = %v, want ErrInvalidState", err)
	}
	if err := inst.Deny(d.RequestID, "admin", "late"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("deny after approve error = %v, want ErrInvalidState", err)
	}
}

func TestInstanceDeny_DefaultReason(t *testing.T) {
	inst := newTestInstance(t)
	call := gatedCall(`{"title":"T"}`)

	d := inst.Evaluate(call)
	if err := inst.Deny(d.RequestID, "admin", ""); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	next := inst.Evaluate(call)
	if next.Message != DefaultDenyReason {
		t.Errorf("message = %q, want %q", next.Message, DefaultDenyReason)
	}
}

func TestInstanceSweep_ExpiresOverduePendings(t *testing.T) {
	inst := newTestInstance(t)
	call := gatedCall(`{"title":"T"}`)

	d := inst.Evaluate(call)

	// Age the request past the deadline.
	inst.mu.Lock()
	inst.requests[d.RequestID].CreatedAt = time.Now().UTC().Add(-DefaultDeadline - time.Hour)
	inst.mu.Unlock()

	expired, _ := inst.Sweep(0, 0)
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	// The expiry is a normal denial: consumable once, then a fresh pending.
	next := inst.Evaluate(call)
	if next.Decision != DecisionDeny || next.Message != "approval deadline exceeded" {
		t.Fatalf("post-expiry evaluate = %+v", next)
	}
	again := inst.Evaluate(call)
	if again.Decision != DecisionPending || again.RequestID == d.RequestID {
		t.Errorf("after consuming the expiry, want fresh pending, got %+v", again)
	}
}

func TestInstanceSweep_RemovesConsumedAfterRetention(t *testing.T) {
	inst := newTestInstance(t)
	call := gatedCall(`{"title":"T"}`)

	d := inst.Evaluate(call)
	if err := inst.Approve(d.RequestID, "admin"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	inst.Evaluate(call) // consume

	// Recent consumed requests survive.
	if _, removed := inst.Sweep(time.Hour, 0); removed != 0 {
		t.Errorf("fresh consumed request should survive, removed %d", removed)
	}

	inst.mu.Lock()
	old := time.Now().UTC().Add(-2 * time.Hour)
	inst.requests[d.RequestID].DecidedAt = &old
	inst.mu.Unlock()

	if _, removed := inst.Sweep(time.Hour, 0); removed != 1 {
		t.Errorf("aged consumed request should be removed, removed %d", removed)
	}
	if _, ok := inst.Request(d.RequestID); ok {
		t.Error("request should be gone after retention sweep")
	}
}

func TestInstanceSweep_CapsTerminalRequests(t *testing.T) {
	inst := newTestInstance(t)

	// Create, approve, and consume three distinct requests.
	var ids []string
	for _, args := range []string{`{"n":"1"}`, `{"n":"2"}`, `{"n":"3"}`} {
		d := inst.Evaluate(gatedCall(args))
		if err := inst.Approve(d.RequestID, "admin"); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
		inst.Evaluate(gatedCall(args))
		ids = append(ids, d.RequestID)
		time.Sleep(time.Millisecond) // distinct DecidedAt ordering
	}

	_, removed := inst.Sweep(0, 1)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := inst.Request(ids[2]); !ok {
		t.Error("newest consumed request should survive the cap")
	}
	if _, ok := inst.Request(ids[0]); ok {
		t.Error("oldest consumed request should be evicted first")
	}
}

func TestInstanceEvaluate_ConcurrentSameKeySharesRequest(t *testing.T) {
	inst := newTestInstance(t)

	var wg sync.WaitGroup
	results := make([]Decision, 16)
	for n := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = inst.Evaluate(gatedCall(`{"title":"T"}`))
		}(n)
	}
	wg.Wait()

	first := results[0].RequestID
	for _, d := range results {
		if d.Decision != DecisionPending || d.RequestID != first {
			t.Fatalf("concurrent evaluates diverged: %+v vs %q", d, first)
		}
	}
	if got := len(inst.PendingRequests()); got != 1 {
		t.Errorf("pending count = %d, want 1", got)
	}
}
