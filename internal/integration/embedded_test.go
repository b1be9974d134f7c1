package integration

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/inprocess"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

// --- Embedded Wiring Tests ---
//
// Single-binary deployments skip HTTP between the gateway and the control
// plane: the bundle refresher subscribes to the policy store directly and
// gated-tool evaluations call the governance registry in-process.

func TestEmbeddedBundleSource_RelaysStoreChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := testLogger()
	store, err := service.NewPolicyStore(ctx, memory.NewPolicyPersistence(), logger)
	if err != nil {
		t.Fatalf("NewPolicyStore() error: %v", err)
	}
	if err := store.RegisterService(ctx, "github"); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if err := store.RegisterTool(ctx, "github", "create_issue", policy.TagOpen); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	if err := store.EnableService(ctx, "github"); err != nil {
		t.Fatalf("EnableService: %v", err)
	}

	var published atomic.Uint64
	// Reconcile is parked at a minute so only the change subscription can
	// deliver the revocation below.
	bundles := service.NewBundleService(inprocess.NewBundleSource(store), logger,
		service.WithDebounce(5*time.Millisecond),
		service.WithReconcileInterval(time.Minute),
		service.WithOnPublish(func(b *policy.Bundle) { published.Store(b.Revision) }),
	)
	bundles.Start(ctx)
	defer bundles.Stop()

	initial := bundles.Current()
	if initial == nil {
		t.Fatal("Current() = nil after Start, want initial bundle")
	}
	if _, ok := initial.Catalog.Lookup("github", "create_issue"); !ok {
		t.Error("initial bundle missing github.create_issue")
	}

	if err := store.RevokeSubject(ctx, "mallory@acme.com"); err != nil {
		t.Fatalf("RevokeSubject() error: %v", err)
	}
	want := store.Revision()

	deadline := time.Now().Add(5 * time.Second)
	for published.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("published revision = %d, want %d after revocation", published.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}

	current := bundles.Current()
	var revoked bool
	for _, subject := range current.RevokedSubjects {
		if subject == "mallory@acme.com" {
			revoked = true
		}
	}
	if !revoked {
		t.Errorf("RevokedSubjects = %v, want to include mallory@acme.com", current.RevokedSubjects)
	}
}

func TestEmbeddedGovernanceEvaluator_ApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	gov := service.NewGovernanceService(testLogger())
	gov.SyncTools("gov-github", "github", map[string]policy.Tag{"merge_pr": policy.TagGated})

	eval := inprocess.NewGovernanceEvaluator(gov)
	in := governance.EvaluateInput{
		Tool:      "merge_pr",
		Caller:    "jarvis@acme.com",
		Arguments: json.RawMessage(`{"repo":"docs"}`),
	}

	first, err := eval.Evaluate(ctx, "gov-github", in)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if first.Decision != governance.DecisionPending || first.RequestID != "REQ-1" {
		t.Fatalf("first evaluate = %+v, want pending REQ-1", first)
	}

	if err := gov.Approve(ctx, "gov-github", "REQ-1", "security-team"); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}

	second, err := eval.Evaluate(ctx, "gov-github", in)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if second.Decision != governance.DecisionAllow {
		t.Errorf("post-approval decision = %q, want allow", second.Decision)
	}

	// The approval was consumed; an identical call starts over.
	third, err := eval.Evaluate(ctx, "gov-github", in)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if third.Decision != governance.DecisionPending || third.RequestID != "REQ-2" {
		t.Errorf("third evaluate = %+v, want pending REQ-2", third)
	}
}

func TestEmbeddedGovernanceEvaluator_UnknownInstance(t *testing.T) {
	eval := inprocess.NewGovernanceEvaluator(service.NewGovernanceService(testLogger()))

	_, err := eval.Evaluate(context.Background(), "gov-missing", governance.EvaluateInput{Tool: "merge_pr"})
	if !errors.Is(err, governance.ErrUnknownInstance) {
		t.Errorf("Evaluate(unknown) error = %v, want ErrUnknownInstance", err)
	}
}
