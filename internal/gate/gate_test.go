package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/adapter"
	"github.com/opsgate/opsgate/internal/catalog"
	"github.com/opsgate/opsgate/internal/credentials"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/pkg/models"
)

// ─── Test doubles ────────────────────────────────────────────

// stubAdapter counts invocations and lets each test swap in its own
// behavior. The default returns a small success payload.
type stubAdapter struct {
	mu    sync.Mutex
	calls int
	fn    func(tool string, args map[string]interface{}, cred models.Credential) (map[string]interface{}, error)
}

func (s *stubAdapter) Invoke(_ context.Context, tool string, args map[string]interface{}, cred models.Credential) (map[string]interface{}, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(tool, args, cred)
	}
	return map[string]interface{}{"ok": true, "tool": tool}, nil
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubNotifier struct {
	mu       sync.Mutex
	pending  []int64
	finished []int64
}

func (n *stubNotifier) OperationPending(op *models.Operation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, op.ID)
}

func (n *stubNotifier) OperationFinished(op *models.Operation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, op.ID)
}

type testGate struct {
	gate     *Gate
	store    *store.MemoryStore
	adapter  *stubAdapter
	notifier *stubNotifier
}

func newTestGate(t *testing.T) *testGate {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })

	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	pol, err := policy.Load("")
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}

	ad := &stubAdapter{}
	nt := &stubNotifier{}
	return &testGate{
		gate:     New(st, cat, credentials.NewResolver("svc-default"), pol, ad, nt),
		store:    st,
		adapter:  ad,
		notifier: nt,
	}
}

func cleanupRequest() SubmitRequest {
	return SubmitRequest{
		Command:   "cleanup",
		Arguments: map[string]interface{}{"older_than": "7d"},
		ProjectID: "proj-1",
		Source:    models.SourceAPI,
		Actor:     "tester",
	}
}

// ─── Gating ──────────────────────────────────────────────────

func TestLowRiskRunsImmediately(t *testing.T) {
	tg := newTestGate(t)

	res, err := tg.gate.Submit(context.Background(), SubmitRequest{
		Command: "status",
		Source:  models.SourceAPI,
		Actor:   "tester",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.PendingApproval {
		t.Fatal("low-risk command must not wait for approval")
	}
	op := res.Operation
	if op.Status != models.StatusCompleted {
		t.Errorf("status = %s, want %s", op.Status, models.StatusCompleted)
	}
	if op.ApprovalRequired {
		t.Error("ApprovalRequired = true for a low-risk submit")
	}
	if op.ResultExcerpt == "" {
		t.Error("completed operation has empty result excerpt")
	}
	if op.Error != "" {
		t.Errorf("completed operation carries error %q", op.Error)
	}
	if op.ApprovedAt != nil {
		t.Error("ApprovedAt set without an approval")
	}
	if got := tg.adapter.callCount(); got != 1 {
		t.Errorf("adapter calls = %d, want 1", got)
	}
	if res.Tool != "ops.status" {
		t.Errorf("tool = %q, want ops.status", res.Tool)
	}
}

func TestHighRiskParksWithZeroAdapterCalls(t *testing.T) {
	tg := newTestGate(t)

	res, err := tg.gate.Submit(context.Background(), cleanupRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.PendingApproval {
		t.Fatal("high-risk command did not park")
	}
	op := res.Operation
	if op.Status != models.StatusPendingApproval {
		t.Errorf("status = %s, want %s", op.Status, models.StatusPendingApproval)
	}
	if !op.ApprovalRequired {
		t.Error("ApprovalRequired = false on a parked operation")
	}
	if got := tg.adapter.callCount(); got != 0 {
		t.Fatalf("adapter calls = %d, want 0 before approval", got)
	}
	// The response still tells the caller exactly what would run.
	if res.Tool != "ops.cleanup" {
		t.Errorf("tool = %q, want ops.cleanup", res.Tool)
	}
	if res.Args["older_than"] != "7d" {
		t.Errorf("args missing caller override: %v", res.Args)
	}
	if res.Args["dry_run"] != false {
		t.Errorf("args missing catalog default: %v", res.Args)
	}

	tg.notifier.mu.Lock()
	defer tg.notifier.mu.Unlock()
	if len(tg.notifier.pending) != 1 || tg.notifier.pending[0] != op.ID {
		t.Errorf("pending notifications = %v, want [%d]", tg.notifier.pending, op.ID)
	}
}

func TestForceApprovalGatesLowRisk(t *testing.T) {
	tg := newTestGate(t)

	res, err := tg.gate.Submit(context.Background(), SubmitRequest{
		Command:       "status",
		Source:        models.SourceAPI,
		ForceApproval: true,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.PendingApproval {
		t.Fatal("require_approval flag ignored")
	}
	if got := tg.adapter.callCount(); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}
}

func TestPolicyForcesApproval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	rules := `policies:
  - name: full-sync-needs-eyes
    when: command == "sync" && args.mode == "full"
    require_approval: true
`
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}

	tg := newTestGate(t)
	pol, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}
	tg.gate.policies = pol

	res, err := tg.gate.Submit(context.Background(), SubmitRequest{
		Command:   "sync",
		Arguments: map[string]interface{}{"mode": "full"},
		Source:    models.SourceAPI,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.PendingApproval {
		t.Fatal("policy rule did not force approval")
	}

	// The default mode stays under the rule's threshold.
	res, err = tg.gate.Submit(context.Background(), SubmitRequest{
		Command: "sync",
		Source:  models.SourceAPI,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.PendingApproval {
		t.Fatal("policy rule fired for incremental sync")
	}
}

// ─── Approval ────────────────────────────────────────────────

func TestApproveRunsParkedOperation(t *testing.T) {
	tg := newTestGate(t)
	tg.adapter.fn = func(_ string, args map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{"pruned": 42, "older_than": args["older_than"]}, nil
	}

	parked, err := tg.gate.Submit(context.Background(), cleanupRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	res, err := tg.gate.Approve(context.Background(), parked.Operation.ID, ApproveRequest{ApprovedBy: "alice"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	op := res.Operation
	if op.ID != parked.Operation.ID {
		t.Fatalf("approval created a new operation %d, want resume of %d", op.ID, parked.Operation.ID)
	}
	if op.Status != models.StatusCompleted {
		t.Errorf("status = %s, want %s", op.Status, models.StatusCompleted)
	}
	if op.ApprovedAt == nil {
		t.Error("ApprovedAt not recorded on approval")
	}
	if op.ApprovedBy != "alice" {
		t.Errorf("ApprovedBy = %q, want alice", op.ApprovedBy)
	}
	if !strings.Contains(op.ResultExcerpt, "42") {
		t.Errorf("excerpt %q does not carry the adapter result", op.ResultExcerpt)
	}
	// The run used the arguments parked with the record.
	if !strings.Contains(op.ResultExcerpt, "7d") {
		t.Errorf("excerpt %q does not reflect the parked arguments", op.ResultExcerpt)
	}
	if got := tg.adapter.callCount(); got != 1 {
		t.Errorf("adapter calls = %d, want 1", got)
	}
}

func TestApproveNonPendingFails(t *testing.T) {
	tg := newTestGate(t)

	done, err := tg.gate.Submit(context.Background(), SubmitRequest{Command: "status", Source: models.SourceAPI})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_, err = tg.gate.Approve(context.Background(), done.Operation.ID, ApproveRequest{ApprovedBy: "alice"})
	var notPending *ErrNotPending
	if !errors.As(err, &notPending) {
		t.Fatalf("Approve() error = %v, want ErrNotPending", err)
	}
	if notPending.Current != models.StatusCompleted {
		t.Errorf("Current = %s, want %s", notPending.Current, models.StatusCompleted)
	}

	// The record is untouched.
	op, err := tg.store.GetOperation(context.Background(), done.Operation.ID)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != models.StatusCompleted || op.ApprovedAt != nil || op.ApprovedBy != "" {
		t.Errorf("rejected approval mutated the record: %+v", op)
	}
}

func TestApproveUnknownOperation(t *testing.T) {
	tg := newTestGate(t)

	_, err := tg.gate.Approve(context.Background(), 999, ApproveRequest{})
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Approve(999) error = %v, want ErrNotFound", err)
	}
}

func TestResubmitPendingWithoutApprovalIsIdempotent(t *testing.T) {
	tg := newTestGate(t)

	parked, err := tg.gate.Submit(context.Background(), cleanupRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	req := cleanupRequest()
	req.ExistingOperationID = parked.Operation.ID
	res, err := tg.gate.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	if !res.PendingApproval {
		t.Fatal("resubmit without approved flag must stay pending")
	}
	if res.Operation.ID != parked.Operation.ID {
		t.Errorf("resubmit created operation %d, want %d", res.Operation.ID, parked.Operation.ID)
	}
	if got := tg.adapter.callCount(); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}

	ops, err := tg.store.ListOperations(context.Background(), store.OperationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Errorf("journal has %d operations, want 1", len(ops))
	}
}

func TestReinvokeTerminalCreatesNewRecord(t *testing.T) {
	tg := newTestGate(t)

	parked, err := tg.gate.Submit(context.Background(), cleanupRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	done, err := tg.gate.Approve(context.Background(), parked.Operation.ID, ApproveRequest{ApprovedBy: "alice"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	req := cleanupRequest()
	req.ExistingOperationID = done.Operation.ID
	res, err := tg.gate.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("reinvoke error = %v", err)
	}
	op := res.Operation
	if op.ID == done.Operation.ID {
		t.Fatal("reinvoke reused the terminal record")
	}
	if op.RetryOf != done.Operation.ID {
		t.Errorf("RetryOf = %d, want %d", op.RetryOf, done.Operation.ID)
	}
	if op.Source != models.SourceApproval {
		t.Errorf("source = %s, want %s", op.Source, models.SourceApproval)
	}
	// High-risk stays gated on every pass.
	if op.Status != models.StatusPendingApproval {
		t.Errorf("status = %s, want %s", op.Status, models.StatusPendingApproval)
	}
}

func TestResumeRunningOperationConflicts(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	op := &models.Operation{
		Source:    models.SourceAPI,
		Command:   "status",
		Tool:      "ops.status",
		Arguments: map[string]interface{}{},
		Risk:      models.RiskLow,
		Status:    models.StatusQueued,
	}
	if err := tg.store.CreateOperation(ctx, op); err != nil {
		t.Fatal(err)
	}
	if _, err := tg.store.TransitionOperation(ctx, op.ID, models.StatusQueued, models.StatusRunning, nil); err != nil {
		t.Fatal(err)
	}

	res := SubmitRequest{Command: "status", Source: models.SourceAPI, ExistingOperationID: op.ID}
	_, err := tg.gate.Submit(ctx, res)
	var notPending *ErrNotPending
	if !errors.As(err, &notPending) {
		t.Fatalf("Submit() error = %v, want ErrNotPending", err)
	}
	if notPending.Current != models.StatusRunning {
		t.Errorf("Current = %s, want %s", notPending.Current, models.StatusRunning)
	}
}

// ─── Failure recording ───────────────────────────────────────

func TestAdapterFailureRecordedOnOperation(t *testing.T) {
	tg := newTestGate(t)
	tg.adapter.fn = func(tool string, _ map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return nil, &adapter.ErrFailure{Tool: tool, Err: errors.New("upstream said no")}
	}

	res, err := tg.gate.Submit(context.Background(), SubmitRequest{Command: "status", Source: models.SourceAPI})
	if err == nil {
		t.Fatal("Submit() returned nil error for a failing adapter")
	}
	var failure *adapter.ErrFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want ErrFailure", err)
	}
	if res == nil || res.Operation == nil {
		t.Fatal("failure result must still carry the operation")
	}
	op := res.Operation
	if op.Status != models.StatusFailed {
		t.Errorf("status = %s, want %s", op.Status, models.StatusFailed)
	}
	if !strings.Contains(op.Error, "upstream said no") {
		t.Errorf("operation error = %q, want adapter message", op.Error)
	}
	if op.ResultExcerpt != "" {
		t.Errorf("failed operation carries excerpt %q", op.ResultExcerpt)
	}
}

func TestAdapterTimeoutRecordedOnOperation(t *testing.T) {
	tg := newTestGate(t)
	tg.adapter.fn = func(tool string, _ map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return nil, &adapter.ErrTimeout{Tool: tool, Timeout: 30 * time.Millisecond}
	}

	res, err := tg.gate.Submit(context.Background(), SubmitRequest{Command: "status", Source: models.SourceAPI})
	var timeout *adapter.ErrTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if res.Operation.Status != models.StatusFailed {
		t.Errorf("status = %s, want %s", res.Operation.Status, models.StatusFailed)
	}
	if !strings.Contains(res.Operation.Error, "timed out") {
		t.Errorf("operation error = %q, want timeout message", res.Operation.Error)
	}
}

func TestResolveErrorCreatesNoOperation(t *testing.T) {
	tg := newTestGate(t)

	_, err := tg.gate.Submit(context.Background(), SubmitRequest{Command: "banana", Source: models.SourceAPI})
	var unknown *catalog.ErrUnknownCommand
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want ErrUnknownCommand", err)
	}

	ops, err := tg.store.ListOperations(context.Background(), store.OperationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Errorf("journal has %d operations after a resolve failure, want 0", len(ops))
	}
	if got := tg.adapter.callCount(); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}
}

func TestMissingCredentialCreatesNoOperation(t *testing.T) {
	tg := newTestGate(t)
	tg.gate.creds = credentials.NewResolver("")

	_, err := tg.gate.Submit(context.Background(), cleanupRequest())
	if !errors.Is(err, credentials.ErrNoCredential) {
		t.Fatalf("error = %v, want ErrNoCredential", err)
	}

	ops, err := tg.store.ListOperations(context.Background(), store.OperationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Errorf("journal has %d operations after a credential failure, want 0", len(ops))
	}
}

// ─── Results ─────────────────────────────────────────────────

func TestExcerptTruncated(t *testing.T) {
	tg := newTestGate(t)
	tg.adapter.fn = func(_ string, _ map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{"blob": strings.Repeat("x", 1000)}, nil
	}

	res, err := tg.gate.Submit(context.Background(), SubmitRequest{Command: "status", Source: models.SourceAPI})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := len(res.Operation.ResultExcerpt); got != models.MaxResultExcerpt {
		t.Errorf("excerpt length = %d, want %d", got, models.MaxResultExcerpt)
	}
	// The full output is still returned to the caller.
	if blob, _ := res.Output["blob"].(string); len(blob) != 1000 {
		t.Errorf("output truncated: blob length = %d", len(blob))
	}
}

func TestConcurrentSubmitsKeepCredentialsIsolated(t *testing.T) {
	tg := newTestGate(t)
	tg.adapter.fn = func(_ string, _ map[string]interface{}, cred models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{"credential": cred.Token}, nil
	}

	const n = 50
	type outcome struct {
		token string
		op    *models.Operation
		err   error
	}
	results := make(chan outcome, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("token-%02d", i)
			res, err := tg.gate.Submit(context.Background(), SubmitRequest{
				Command:    "status",
				Source:     models.SourceAPI,
				Credential: token,
			})
			if err != nil {
				results <- outcome{token: token, err: err}
				return
			}
			results <- outcome{token: token, op: res.Operation}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := 0
	for r := range results {
		if r.err != nil {
			t.Fatalf("submit with %s: %v", r.token, r.err)
		}
		want := fmt.Sprintf("%q", r.token)
		if !strings.Contains(r.op.ResultExcerpt, want) {
			t.Errorf("operation %d excerpt %q does not carry its own credential %s",
				r.op.ID, r.op.ResultExcerpt, r.token)
		}
		if r.op.CredentialScope != models.ScopeCaller {
			t.Errorf("operation %d scope = %s, want %s", r.op.ID, r.op.CredentialScope, models.ScopeCaller)
		}
		// The journal agrees with the in-flight result.
		stored, err := tg.store.GetOperation(context.Background(), r.op.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.ResultExcerpt != r.op.ResultExcerpt {
			t.Errorf("operation %d journal excerpt diverged", r.op.ID)
		}
		seen++
	}
	if seen != n {
		t.Fatalf("collected %d outcomes, want %d", seen, n)
	}
	if got := tg.adapter.callCount(); got != n {
		t.Errorf("adapter calls = %d, want %d", got, n)
	}
}
