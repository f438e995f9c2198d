package actionrun

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/canonical-node/canon/internal/alert"
	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonerr"
	"github.com/canonical-node/canon/internal/metrics"
)

// DefaultExecutionTimeout is the configurable timeout on Execute, applied
// when Service.ExecutionTimeout is unset.
const DefaultExecutionTimeout = 30 * time.Second

// Actor identifies who is attempting an approval/rejection/execution call,
// so the authority matrix can be checked without a separate auth layer.
type Actor struct {
	NodeID string
	Kind   canon.NodeKind
}

// Service implements the action-run lifecycle: creation with risk
// resolution and auto-approval, approval with the authority matrix,
// rejection, and handler-backed execution under timeout.
type Service struct {
	store    canon.Store
	registry *Registry
	logger   *slog.Logger
	alertMgr *alert.Manager
	metrics  *metrics.Registry

	// AutoApproveLowRisk defaults true: a newly created low-risk run is
	// immediately approved with method=auto, actor = the node that
	// proposed it.
	AutoApproveLowRisk bool
	// ExecutionTimeout overrides DefaultExecutionTimeout when non-zero.
	ExecutionTimeout time.Duration
}

// New builds a Service with auto-approval of low-risk runs enabled by
// default. alertMgr and mr may be nil: a nil
// alertMgr means pending runs are recorded without notifying any
// out-of-band channel, and a nil mr skips metrics recording.
func New(store canon.Store, registry *Registry, alertMgr *alert.Manager, mr *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:              store,
		registry:           registry,
		alertMgr:           alertMgr,
		metrics:            mr,
		logger:             logger.With("component", "actionrun.Service"),
		AutoApproveLowRisk: true,
	}
}

// Propose implements createActionRun and satisfies
// internal/executor.ActionRunProposer so propose_action effects can create
// runs without the executor importing this package's full surface.
func (s *Service) Propose(nodeID string, proposedBy canon.ProposedBy, spec canon.ActionSpec, explicitRisk canon.RiskLevel) (*canon.ActionRun, error) {
	node, err := s.store.GetNode(nodeID)
	if err != nil {
		return nil, canonerr.Wrap(canonerr.KindValidation, "createActionRun", err)
	}
	if node == nil {
		return nil, canonerr.New(canonerr.KindNodeNotFound, fmt.Sprintf("node %s not found", nodeID))
	}
	if spec.ActionType == "" {
		return nil, canonerr.New(canonerr.KindValidation, "createActionRun: action.actionType is required")
	}
	if spec.Params == nil {
		return nil, canonerr.New(canonerr.KindValidation, "createActionRun: action.params is required")
	}

	risk := resolveRisk(explicitRisk, spec.ActionType, s.registry)

	run := &canon.ActionRun{
		ID:         canon.NewID(),
		NodeID:     nodeID,
		ProposedBy: proposedBy,
		Action:     spec,
		RiskLevel:  risk,
		Status:     canon.StatusPending,
	}
	if err := s.store.CreateActionRun(run); err != nil {
		return nil, canonerr.Wrap(canonerr.KindValidation, "createActionRun: persist", err)
	}
	s.metrics.ObserveActionRun(string(canon.StatusPending))

	if s.AutoApproveLowRisk && risk == canon.RiskLow {
		run.Status = canon.StatusApproved
		run.Approval = &canon.ApprovalRecord{ApprovedBy: nodeID, ApprovedAt: time.Now(), Method: "auto"}
		if err := s.store.UpdateActionRun(run); err != nil {
			return nil, canonerr.Wrap(canonerr.KindValidation, "createActionRun: auto-approve", err)
		}
		s.metrics.ObserveActionRun(string(canon.StatusApproved))
		s.logger.Info("action run auto-approved", "action_run_id", run.ID, "action_type", spec.ActionType)
	} else if s.alertMgr != nil {
		s.alertMgr.Send(alert.Alert{
			Type:        "approval_required",
			Severity:    "warning",
			Title:       fmt.Sprintf("Approval needed: %s", spec.ActionType),
			Message:     fmt.Sprintf("Action run %s on node %s requires %s-risk approval", run.ID, nodeID, risk),
			NodeID:      nodeID,
			ActionRunID: run.ID,
			Details:     map[string]interface{}{"params": spec.Params},
		})
	}

	return run, nil
}

func validRiskLevels() map[canon.RiskLevel]bool {
	return map[canon.RiskLevel]bool{
		canon.RiskLow: true, canon.RiskMedium: true, canon.RiskHigh: true, canon.RiskCritical: true,
	}
}

// resolveRisk implements the risk-resolution order: explicit risk wins;
// else the handler registry's definition; else medium.
func resolveRisk(explicit canon.RiskLevel, actionType string, registry *Registry) canon.RiskLevel {
	if explicit != "" && validRiskLevels()[explicit] {
		return explicit
	}
	if registry != nil {
		if def, ok := registry.Get(actionType); ok && def.RiskLevel != "" {
			return def.RiskLevel
		}
	}
	return canon.RiskMedium
}

// Approve implements approveActionRun, including the authority
// matrix: subjects may approve any risk within their scope; agents may
// only approve their own node's low-risk runs, or higher risk when a
// valid, unexpired delegation permits it (never for high/critical,
// regardless of delegation); objects can never approve.
func (s *Service) Approve(actor Actor, actionRunID string) error {
	run, err := s.store.GetActionRun(actionRunID)
	if err != nil {
		return canonerr.Wrap(canonerr.KindActionRunNotFound, "approveActionRun", err)
	}
	if run == nil {
		return canonerr.New(canonerr.KindActionRunNotFound, fmt.Sprintf("action run %s not found", actionRunID))
	}
	if run.Status != canon.StatusPending {
		return canonerr.New(canonerr.KindInvalidActionState,
			fmt.Sprintf("action run %s is %s, not pending", actionRunID, run.Status))
	}

	if err := s.checkApprovalAuthority(actor, run); err != nil {
		return err
	}

	run.Status = canon.StatusApproved
	run.Approval = &canon.ApprovalRecord{ApprovedBy: actor.NodeID, ApprovedAt: time.Now(), Method: "manual"}
	if err := s.store.UpdateActionRun(run); err != nil {
		return canonerr.Wrap(canonerr.KindValidation, "approveActionRun: persist", err)
	}
	s.metrics.ObserveActionRun(string(canon.StatusApproved))
	return nil
}

// checkApprovalAuthority implements the authority matrix. Node ownership
// is tightened from the reference's loose "subject nodes can approve
// actions in their scope" wording to: a subject may approve any run on
// any node (subjects are the platform's root authority), an agent may
// only approve runs on its OWN node id, and only within the bounds of an
// explicit AgentDelegation when the risk exceeds low.
func (s *Service) checkApprovalAuthority(actor Actor, run *canon.ActionRun) error {
	switch actor.Kind {
	case canon.NodeSubject:
		return nil

	case canon.NodeAgent:
		if actor.NodeID != run.NodeID {
			return canonerr.New(canonerr.KindInsufficientAuthority,
				"agent nodes may only approve action runs on their own node")
		}
		if run.RiskLevel == canon.RiskHigh || run.RiskLevel == canon.RiskCritical {
			return canonerr.New(canonerr.KindInsufficientAuthority,
				"high and critical risk action runs require subject-node approval")
		}
		if run.RiskLevel == canon.RiskLow {
			return nil
		}
		delegation, err := s.store.GetDelegation(actor.NodeID)
		if err != nil {
			return canonerr.Wrap(canonerr.KindInsufficientAuthority, "approveActionRun", err)
		}
		if delegation == nil || !delegation.Permits(run.Action.ActionType, run.RiskLevel, time.Now()) {
			return canonerr.New(canonerr.KindInsufficientAuthority,
				"no valid delegation permits this agent to approve this action; requires subject-node approval")
		}
		return nil

	default:
		return canonerr.New(canonerr.KindInsufficientAuthority, "object nodes may never approve action runs")
	}
}

// Reject implements rejectActionRun.
func (s *Service) Reject(actor Actor, actionRunID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return canonerr.New(canonerr.KindValidation, "rejectActionRun: reason is required")
	}
	run, err := s.store.GetActionRun(actionRunID)
	if err != nil {
		return canonerr.Wrap(canonerr.KindActionRunNotFound, "rejectActionRun", err)
	}
	if run == nil {
		return canonerr.New(canonerr.KindActionRunNotFound, fmt.Sprintf("action run %s not found", actionRunID))
	}
	if run.Status != canon.StatusPending {
		return canonerr.New(canonerr.KindInvalidActionState,
			fmt.Sprintf("action run %s is %s, not pending", actionRunID, run.Status))
	}

	run.Status = canon.StatusRejected
	run.Rejection = &canon.RejectionRecord{RejectedBy: actor.NodeID, RejectedAt: time.Now(), Reason: reason}
	if err := s.store.UpdateActionRun(run); err != nil {
		return err
	}
	s.metrics.ObserveActionRun(string(canon.StatusRejected))
	return nil
}

// Execute implements executeActionRun: requires approved status,
// looks up the registered handler, races it against a timeout, and
// records the outcome unconditionally.
func (s *Service) Execute(ctx context.Context, actionRunID string) error {
	run, err := s.store.GetActionRun(actionRunID)
	if err != nil {
		return canonerr.Wrap(canonerr.KindActionRunNotFound, "executeActionRun", err)
	}
	if run == nil {
		return canonerr.New(canonerr.KindActionRunNotFound, fmt.Sprintf("action run %s not found", actionRunID))
	}
	if run.Status != canon.StatusApproved {
		return canonerr.New(canonerr.KindInvalidActionState,
			fmt.Sprintf("action run %s is %s, not approved", actionRunID, run.Status))
	}

	handler, ok := s.registry.handlerFor(run.Action.ActionType)
	if !ok {
		return s.finishFailed(run, time.Now(), fmt.Errorf("no handler registered for %s", run.Action.ActionType))
	}

	node, err := s.store.GetNode(run.NodeID)
	if err != nil {
		return s.finishFailed(run, time.Now(), err)
	}

	timeout := s.ExecutionTimeout
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}

	startedAt := time.Now()
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(run.Action.Params, ExecutionContext{ActionRun: run, Store: s.store, Node: node})
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return s.finishFailed(run, startedAt, o.err)
		}
		return s.finishExecuted(run, startedAt, o.result)
	case <-time.After(timeout):
		return s.finishFailed(run, startedAt, fmt.Errorf("action execution exceeded %s timeout", timeout))
	case <-ctx.Done():
		return s.finishFailed(run, startedAt, ctx.Err())
	}
}

func (s *Service) finishExecuted(run *canon.ActionRun, startedAt time.Time, result any) error {
	run.Status = canon.StatusExecuted
	run.Execution = &canon.ExecutionRecord{StartedAt: startedAt, CompletedAt: time.Now(), Result: result}
	if err := s.store.UpdateActionRun(run); err != nil {
		return err
	}
	s.metrics.ObserveActionRun(string(canon.StatusExecuted))
	return nil
}

func (s *Service) finishFailed(run *canon.ActionRun, startedAt time.Time, cause error) error {
	run.Status = canon.StatusFailed
	run.Execution = &canon.ExecutionRecord{StartedAt: startedAt, CompletedAt: time.Now(), Error: cause.Error()}
	if err := s.store.UpdateActionRun(run); err != nil {
		return canonerr.Wrap(canonerr.KindActionExecution, "executeActionRun: persist failure", err)
	}
	s.metrics.ObserveActionRun(string(canon.StatusFailed))
	return canonerr.Wrap(canonerr.KindActionExecution, fmt.Sprintf("action run %s execution failed", run.ID), cause)
}
