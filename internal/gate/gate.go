// Package gate is the approval gate and executor: the only component that
// creates operations and moves them through their lifecycle.
//
// State machine:
//
//	queued ──► pending_approval ──► running ──► completed
//	   └──────────────────────────────┘            └────► failed
//
// pending_approval can only be left through an explicit approval; completed
// and failed are terminal and mutually exclusive. Catalog and credential
// failures happen before a record exists and never produce a failed
// operation. Once a record exists, every adapter failure lands on it.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsgate/opsgate/internal/adapter"
	"github.com/opsgate/opsgate/internal/catalog"
	"github.com/opsgate/opsgate/internal/credentials"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/pkg/models"
)

// ErrNotPending is returned when an approval targets an operation that is
// not currently pending_approval. The record is left untouched.
type ErrNotPending struct {
	ID      int64
	Current models.OperationStatus
}

func (e *ErrNotPending) Error() string {
	return fmt.Sprintf("operation %d is %s, not pending_approval", e.ID, e.Current)
}

// Notifier receives lifecycle events. Implementations must not block;
// delivery happens off the request path.
type Notifier interface {
	OperationPending(op *models.Operation)
	OperationFinished(op *models.Operation)
}

// SubmitRequest carries one gate invocation, regardless of which surface
// (API, chat, approval) it came through.
type SubmitRequest struct {
	Command   string
	Arguments map[string]interface{}
	ProjectID string
	Source    models.OperationSource
	SessionID string
	Actor     string

	// Credential is the caller-supplied token for this request only.
	// It is threaded through to the adapter as a value, never stored.
	Credential string

	ForceApproval bool

	// ExistingOperationID selects the resume/re-invoke path: a pending
	// operation resumes, a terminal one is re-invoked as a new record.
	ExistingOperationID int64
	Approved            bool
	ApprovedBy          string
}

// ApproveRequest carries the approval of one pending operation.
type ApproveRequest struct {
	Credential string
	ApprovedBy string
}

// Result is the uniform outcome shape every caller receives, whether the
// submission came through /command, /chat or an approval.
type Result struct {
	Operation       *models.Operation
	Tool            string
	Args            map[string]interface{}
	PendingApproval bool
	Output          map[string]interface{}
}

// Gate wires the catalog, credential resolver, policies, store and adapter
// into the submit/approve state machine.
type Gate struct {
	store    store.Store
	catalog  *catalog.Catalog
	creds    *credentials.Resolver
	policies *policy.Engine
	adapter  adapter.Adapter
	notifier Notifier
	tracer   trace.Tracer
}

// New creates a gate. notifier may be nil.
func New(st store.Store, cat *catalog.Catalog, creds *credentials.Resolver, policies *policy.Engine, ad adapter.Adapter, notifier Notifier) *Gate {
	return &Gate{
		store:    st,
		catalog:  cat,
		creds:    creds,
		policies: policies,
		adapter:  ad,
		notifier: notifier,
		tracer:   otel.Tracer("opsgate/gate"),
	}
}

// Submit runs one command through the gate.
//
// On adapter failure the returned error carries the cause and the Result
// still carries the failed operation, so callers can surface both the
// message and the journal ID.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "gate.submit",
		trace.WithAttributes(
			attribute.String("command", req.Command),
			attribute.String("source", string(req.Source)),
		))
	defer span.End()

	// Step 1: resolve. Failures here never create an operation.
	res, err := g.catalog.Resolve(req.Command, req.Arguments, req.ProjectID)
	if err != nil {
		return nil, err
	}

	// Step 2: does this run need a human?
	approvalRequired := req.ForceApproval || res.Risk == models.RiskHigh
	if !approvalRequired && g.policies != nil {
		if forced, rule := g.policies.RequiresApproval(policy.Input{
			Command:   res.Command,
			Tool:      res.Tool,
			Args:      res.Args,
			ProjectID: res.ProjectID,
			Risk:      string(res.Risk),
			Source:    string(req.Source),
			Actor:     req.Actor,
		}); forced {
			approvalRequired = true
			log.Debug().Str("rule", rule).Str("command", req.Command).Msg("Policy forced approval")
		}
	}

	// Credentials resolve before any record exists, so a missing credential
	// is a request error, not a failed operation.
	cred, err := g.creds.Resolve(req.Credential, res.RequiresProject)
	if err != nil {
		return nil, err
	}

	// Step 3: create a new record, or load the one being resumed.
	op, resume, err := g.createOrLoad(ctx, req, res, approvalRequired, cred)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("operation_id", op.ID))

	if resume {
		// The parked record's arguments are the contract. Re-resolving them
		// reproduces the exact {tool, args} promised when it was parked; a
		// resume request's own arguments never widen it.
		res, err = g.catalog.Resolve(op.Command, op.Arguments, op.ProjectID)
		if err != nil {
			return nil, err
		}
	}

	// Step 4: gated and not approved — park it, make zero external calls.
	if op.ApprovalRequired && !req.Approved {
		if op.Status == models.StatusQueued {
			op, err = g.store.TransitionOperation(ctx, op.ID, models.StatusQueued, models.StatusPendingApproval, nil)
			if err != nil {
				return nil, err
			}
			log.Info().Int64("operation", op.ID).Str("command", op.Command).Str("risk", string(op.Risk)).
				Msg("Operation parked, awaiting approval")
			if g.notifier != nil {
				g.notifier.OperationPending(op)
			}
		}
		return &Result{Operation: op, Tool: res.Tool, Args: res.Args, PendingApproval: true}, nil
	}

	// Step 5: clear to run.
	from := models.StatusQueued
	var update func(*models.Operation)
	if resume {
		from = models.StatusPendingApproval
		now := time.Now().UTC()
		update = func(o *models.Operation) {
			o.ApprovedAt = &now
			o.ApprovedBy = req.ApprovedBy
			o.CredentialScope = cred.Scope
		}
	}
	op, err = g.store.TransitionOperation(ctx, op.ID, from, models.StatusRunning, update)
	if err != nil {
		var conflict *store.ErrStatusConflict
		if errors.As(err, &conflict) {
			// Lost the race against a concurrent approval of the same record.
			return nil, &ErrNotPending{ID: op.ID, Current: conflict.Current}
		}
		return nil, err
	}

	return g.execute(ctx, op, res, cred)
}

// Approve resumes one pending operation. Any other status fails with
// ErrNotPending and mutates nothing.
func (g *Gate) Approve(ctx context.Context, id int64, req ApproveRequest) (*Result, error) {
	op, err := g.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != models.StatusPendingApproval {
		return nil, &ErrNotPending{ID: id, Current: op.Status}
	}

	// op.Arguments already carry the defaults merge, so re-resolving yields
	// the exact {tool, args} promised when the operation was parked.
	return g.Submit(ctx, SubmitRequest{
		Command:             op.Command,
		Arguments:           op.Arguments,
		ProjectID:           op.ProjectID,
		Source:              op.Source,
		SessionID:           op.SessionID,
		Actor:               op.Actor,
		Credential:          req.Credential,
		ForceApproval:       op.ApprovalRequired,
		ExistingOperationID: id,
		Approved:            true,
		ApprovedBy:          req.ApprovedBy,
	})
}

// createOrLoad returns the operation this submission acts on and whether
// it is an approval resume of a pending record.
func (g *Gate) createOrLoad(ctx context.Context, req SubmitRequest, res *catalog.Resolution, approvalRequired bool, cred models.Credential) (*models.Operation, bool, error) {
	if req.ExistingOperationID > 0 {
		existing, err := g.store.GetOperation(ctx, req.ExistingOperationID)
		if err != nil {
			return nil, false, err
		}
		switch {
		case existing.Status == models.StatusPendingApproval:
			return existing, true, nil
		case existing.Status.Terminal():
			// Explicit re-invocation: a fresh record referencing the old
			// one, gated from scratch like any other submission.
			op, err := g.createOperation(ctx, req, res, approvalRequired, cred, existing.ID)
			return op, false, err
		default:
			return nil, false, &ErrNotPending{ID: existing.ID, Current: existing.Status}
		}
	}

	op, err := g.createOperation(ctx, req, res, approvalRequired, cred, 0)
	return op, false, err
}

func (g *Gate) createOperation(ctx context.Context, req SubmitRequest, res *catalog.Resolution, approvalRequired bool, cred models.Credential, retryOf int64) (*models.Operation, error) {
	source := req.Source
	if retryOf > 0 {
		source = models.SourceApproval
	}
	op := &models.Operation{
		Source:           source,
		Actor:            req.Actor,
		SessionID:        req.SessionID,
		Command:          res.Command,
		Tool:             res.Tool,
		Arguments:        res.Args,
		ProjectID:        res.ProjectID,
		Risk:             res.Risk,
		ApprovalRequired: approvalRequired,
		Status:           models.StatusQueued,
		CredentialScope:  cred.Scope,
		RetryOf:          retryOf,
	}
	if err := g.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// execute invokes the adapter for a running operation and records the one
// terminal transition.
func (g *Gate) execute(ctx context.Context, op *models.Operation, res *catalog.Resolution, cred models.Credential) (*Result, error) {
	start := time.Now()
	out, invokeErr := g.adapter.Invoke(ctx, res.Tool, res.Args, cred)

	if invokeErr != nil {
		msg := invokeErr.Error()
		failed, terr := g.store.TransitionOperation(ctx, op.ID, models.StatusRunning, models.StatusFailed, func(o *models.Operation) {
			o.Error = msg
			o.ResultExcerpt = ""
		})
		if terr != nil {
			log.Error().Err(terr).Int64("operation", op.ID).Msg("Failed to record operation failure")
			failed = op
		}
		log.Warn().Err(invokeErr).Int64("operation", op.ID).Str("tool", res.Tool).
			Dur("took", time.Since(start)).Msg("Operation failed")
		if g.notifier != nil && terr == nil {
			g.notifier.OperationFinished(failed)
		}
		return &Result{Operation: failed, Tool: res.Tool, Args: res.Args}, invokeErr
	}

	if out == nil {
		out = map[string]interface{}{}
	}
	excerpt := buildExcerpt(out)
	done, err := g.store.TransitionOperation(ctx, op.ID, models.StatusRunning, models.StatusCompleted, func(o *models.Operation) {
		o.ResultExcerpt = excerpt
		o.Error = ""
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("operation", done.ID).Str("tool", res.Tool).
		Dur("took", time.Since(start)).Msg("Operation completed")
	if g.notifier != nil {
		g.notifier.OperationFinished(done)
	}
	return &Result{Operation: done, Tool: res.Tool, Args: res.Args, Output: out}, nil
}

// buildExcerpt serializes an adapter result into the bounded journal preview.
func buildExcerpt(out map[string]interface{}) string {
	b, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	s := string(b)
	if len(s) > models.MaxResultExcerpt {
		s = strings.ToValidUTF8(s[:models.MaxResultExcerpt], "")
	}
	return s
}
