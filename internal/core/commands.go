package core

import (
	"context"

	"github.com/eleven-am/weave/internal/domain"
)

// StartRunInput carries everything needed to create and start a run. RunID
// is generated when empty.
type StartRunInput struct {
	RunID        domain.WorkflowRunID
	TenantID     domain.TenantID
	DefinitionID domain.WorkflowDefinitionID
	NodeIDs      []domain.NodeID
	Input        map[string]interface{}
	RetryPolicy  *domain.RetryPolicy
}

// NodeResult is an executor's settlement of one attempt, authorized by the
// token it was handed at schedule time.
type NodeResult struct {
	Success bool
	Output  map[string]interface{}
	Err     error
}

func (e *Engine) StartRun(ctx context.Context, input StartRunInput) (*domain.WorkflowRun, error) {
	if input.TenantID == "" {
		return nil, domain.NewValidationError("start requires a tenant id", nil)
	}
	if len(input.NodeIDs) == 0 {
		return nil, domain.NewValidationError("start requires at least one node", nil)
	}
	if input.RetryPolicy != nil {
		if err := input.RetryPolicy.Validate(); err != nil {
			return nil, err
		}
	}

	runID := input.RunID
	if runID.IsZero() {
		runID = domain.NewWorkflowRunID()
	}

	return e.dispatch(ctx, runID, true, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		if err := domain.EnsureTransition(run.Status, domain.TriggerStart); err != nil {
			return nil, err
		}

		policy := input.RetryPolicy
		if policy == nil {
			p := e.config.Engine.DefaultRetryPolicy
			policy = &p
		}

		ev, err := domain.NewEvent(runID, domain.EventWorkflowStarted, domain.WorkflowStartedPayload{
			TenantID:     input.TenantID,
			DefinitionID: input.DefinitionID,
			NodeIDs:      input.NodeIDs,
			Input:        input.Input,
			RetryPolicy:  policy,
		})
		if err != nil {
			return nil, err
		}
		return []domain.ExecutionEvent{ev}, nil
	})
}

// ScheduleNode mints an execution token for the node's next attempt and
// emits NodeScheduled. It never blocks on the executor: dispatching the
// minted task is out-of-band.
func (e *Engine) ScheduleNode(ctx context.Context, runID domain.WorkflowRunID, nodeID domain.NodeID) (domain.ExecutionToken, error) {
	var token domain.ExecutionToken

	_, err := e.dispatch(ctx, runID, false, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		if run.Status != domain.RunStatusRunning {
			return nil, domain.NewValidationError("schedule requires a running workflow", map[string]interface{}{
				"run_id": runID.String(),
				"status": string(run.Status),
			})
		}

		node := run.Node(nodeID)
		if node == nil {
			return nil, domain.NewValidationError("unknown node", map[string]interface{}{
				"run_id":  runID.String(),
				"node_id": nodeID.String(),
			})
		}
		if node.HasOutstandingAttempt() {
			return nil, domain.ErrAttemptOutstanding
		}

		attempt := node.Attempt + 1
		minted, err := e.tokens.Mint(runID, nodeID, attempt, e.config.Tokens.TTL)
		if err != nil {
			return nil, err
		}
		token = minted

		ev, err := domain.NewEvent(runID, domain.EventNodeScheduled, domain.NodeScheduledPayload{
			NodeID:  nodeID,
			Attempt: attempt,
			Token:   minted,
		})
		if err != nil {
			return nil, err
		}
		return []domain.ExecutionEvent{ev}, nil
	})

	if err != nil {
		return domain.ExecutionToken{}, err
	}
	return token, nil
}

// ReportNodeStart marks the attempt as executing. The token is validated but
// not consumed; consumption happens when the outcome is reported.
func (e *Engine) ReportNodeStart(ctx context.Context, token domain.ExecutionToken) error {
	_, err := e.dispatch(ctx, token.RunID, false, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		if err := e.checkOutstanding(run, token); err != nil {
			return nil, err
		}
		if err := checkRunning(run, "start report"); err != nil {
			return nil, err
		}
		if err := e.tokens.Validate(token); err != nil {
			return nil, err
		}

		ev, err := domain.NewEvent(token.RunID, domain.EventNodeStarted, domain.NodeStartedPayload{
			NodeID:  token.NodeID,
			Attempt: token.Attempt,
		})
		if err != nil {
			return nil, err
		}
		return []domain.ExecutionEvent{ev}, nil
	})
	return err
}

// ReportNodeResult settles one attempt. The token is consumed exactly once
// regardless of outcome; a consumed, expired, or superseded token rejects the
// report as stale without touching run state.
func (e *Engine) ReportNodeResult(ctx context.Context, token domain.ExecutionToken, result NodeResult) (*domain.WorkflowRun, error) {
	consumed := false

	run, err := e.dispatch(ctx, token.RunID, false, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		if err := e.checkOutstanding(run, token); err != nil {
			return nil, err
		}
		if err := checkRunning(run, "node result"); err != nil {
			return nil, err
		}

		// Consume exactly once even if the append loops on a conflict.
		if !consumed {
			if err := e.tokens.Consume(token); err != nil {
				return nil, err
			}
			consumed = true
		}

		if result.Success {
			return e.completionEvents(run, token, result.Output)
		}
		return e.failureEvents(run, token, result, false)
	})

	if err != nil {
		if domain.IsStaleToken(err) {
			e.logger.Warn("stale node result rejected",
				"run_id", token.RunID, "node_id", token.NodeID, "attempt", token.Attempt, "error", err)
		}
		return nil, err
	}
	return run, nil
}

// Suspend parks a running workflow and registers a single-use callback that
// authorizes resumption, e.g. on human task completion.
func (e *Engine) Suspend(ctx context.Context, runID domain.WorkflowRunID, reason, callbackURL string) (domain.CallbackRegistration, error) {
	var registration domain.CallbackRegistration
	registered := false

	_, err := e.dispatch(ctx, runID, false, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		if err := domain.EnsureTransition(run.Status, domain.TriggerSuspend); err != nil {
			return nil, err
		}

		if !registered {
			registration = domain.NewCallbackRegistration(runID, callbackURL, e.config.Tokens.CallbackTTL)
			if err := e.callbacks.Store(registration); err != nil {
				return nil, err
			}
			registered = true
		}

		ev, err := domain.NewEvent(runID, domain.EventWorkflowSuspended, domain.WorkflowSuspendedPayload{
			Reason:   reason,
			Callback: registration,
		})
		if err != nil {
			return nil, err
		}
		return []domain.ExecutionEvent{ev}, nil
	})

	if err != nil {
		return domain.CallbackRegistration{}, err
	}
	return registration, nil
}

// Resume validates and consumes the callback registration, then returns the
// workflow to RUNNING with node state intact.
func (e *Engine) Resume(ctx context.Context, runID domain.WorkflowRunID, callbackToken string) error {
	validated := false

	_, err := e.dispatch(ctx, runID, false, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		if err := domain.EnsureTransition(run.Status, domain.TriggerResume); err != nil {
			return nil, err
		}

		if !validated {
			if err := e.callbacks.Validate(runID, callbackToken); err != nil {
				return nil, err
			}
			validated = true
		}

		ev, err := domain.NewEvent(runID, domain.EventWorkflowResumed, domain.WorkflowResumedPayload{
			CallbackToken: callbackToken,
		})
		if err != nil {
			return nil, err
		}
		return []domain.ExecutionEvent{ev}, nil
	})
	return err
}

// Cancel forces any non-terminal run to CANCELLED and invalidates its
// outstanding tokens so late executor reports are rejected as stale. It does
// not wait for in-flight executors.
func (e *Engine) Cancel(ctx context.Context, runID domain.WorkflowRunID, reason string) error {
	_, err := e.dispatch(ctx, runID, false, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		if err := domain.EnsureTransition(run.Status, domain.TriggerCancel); err != nil {
			return nil, err
		}

		ev, err := domain.NewEvent(runID, domain.EventWorkflowCancelled, domain.WorkflowCancelledPayload{
			Reason: reason,
		})
		if err != nil {
			return nil, err
		}
		return []domain.ExecutionEvent{ev}, nil
	})
	if err != nil {
		return err
	}

	return e.tokens.InvalidateRun(runID)
}

// checkRunning rejects attempt settlement outside RUNNING. A suspended run
// keeps its outstanding attempt parked until resume or cancel; completing or
// failing it underneath the suspension would skip the lifecycle FSM.
func checkRunning(run *domain.WorkflowRun, operation string) error {
	if run.Status == domain.RunStatusRunning {
		return nil
	}
	return domain.NewValidationError(operation+" requires a running workflow", map[string]interface{}{
		"run_id": run.ID.String(),
		"status": string(run.Status),
	})
}

// checkOutstanding rejects reports whose token does not match the node's
// current live attempt; a token for a superseded attempt is stale even if its
// record still validates.
func (e *Engine) checkOutstanding(run *domain.WorkflowRun, token domain.ExecutionToken) error {
	node := run.Node(token.NodeID)
	if node == nil || !node.HasOutstandingAttempt() || node.Token == nil {
		return domain.ErrTokenNotFound
	}
	if node.Token.Nonce != token.Nonce {
		return domain.ErrTokenMismatch
	}
	return nil
}

func (e *Engine) completionEvents(run *domain.WorkflowRun, token domain.ExecutionToken, output map[string]interface{}) ([]domain.ExecutionEvent, error) {
	completed, err := domain.NewEvent(token.RunID, domain.EventNodeCompleted, domain.NodeCompletedPayload{
		NodeID:  token.NodeID,
		Attempt: token.Attempt,
		Output:  output,
	})
	if err != nil {
		return nil, err
	}

	events := []domain.ExecutionEvent{completed}

	if e.allOthersTerminal(run, token.NodeID) {
		if err := domain.EnsureTransition(run.Status, domain.TriggerComplete); err != nil {
			return nil, err
		}

		merged, err := domain.MergeContext(run.Context, output)
		if err != nil {
			return nil, err
		}

		done, err := domain.NewEvent(token.RunID, domain.EventWorkflowCompleted, domain.WorkflowCompletedPayload{
			Output: merged,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, done)
	}

	return events, nil
}

// failureEvents handles both executor-reported failures and reaper timeouts.
// Retry remaining means a fresh token and a fresh NodeScheduled; otherwise
// the node failure promotes to a run-level failure.
func (e *Engine) failureEvents(run *domain.WorkflowRun, token domain.ExecutionToken, result NodeResult, timedOut bool) ([]domain.ExecutionEvent, error) {
	message := "node execution failed"
	if result.Err != nil {
		message = result.Err.Error()
	}

	policy := e.retryPolicy(run)
	retryable := policy.ShouldRetry(token.Attempt, result.Err)

	failed, err := domain.NewEvent(token.RunID, domain.EventNodeFailed, domain.NodeFailedPayload{
		NodeID:    token.NodeID,
		Attempt:   token.Attempt,
		Error:     message,
		Retryable: retryable,
		TimedOut:  timedOut,
	})
	if err != nil {
		return nil, err
	}

	events := []domain.ExecutionEvent{failed}

	if retryable {
		attempt := token.Attempt + 1
		minted, err := e.tokens.Mint(token.RunID, token.NodeID, attempt, e.config.Tokens.TTL)
		if err != nil {
			return nil, err
		}

		rescheduled, err := domain.NewEvent(token.RunID, domain.EventNodeScheduled, domain.NodeScheduledPayload{
			NodeID:  token.NodeID,
			Attempt: attempt,
			Token:   minted,
			Delay:   policy.NextDelay(token.Attempt),
		})
		if err != nil {
			return nil, err
		}
		return append(events, rescheduled), nil
	}

	if err := domain.EnsureTransition(run.Status, domain.TriggerFail); err != nil {
		return nil, err
	}

	terminal, err := domain.NewEvent(token.RunID, domain.EventWorkflowFailed, domain.WorkflowFailedPayload{
		NodeID: token.NodeID,
		Error:  message,
	})
	if err != nil {
		return nil, err
	}
	return append(events, terminal), nil
}

func (e *Engine) allOthersTerminal(run *domain.WorkflowRun, completing domain.NodeID) bool {
	for id, node := range run.Nodes {
		if id == completing {
			continue
		}
		if !node.IsTerminal() {
			return false
		}
	}
	return true
}
