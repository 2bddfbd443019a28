package store

import (
	"context"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Identity
	CreateUser(ctx context.Context, user *schema.User, roles []string) error
	GetActor(ctx context.Context, userID int64) (*schema.Actor, error)

	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow, states []string) error
	GetWorkflow(ctx context.Context, id int64) (*Workflow, error)
	CreateProposalType(ctx context.Context, name string, workflowID int64) (int64, error)

	// Proposals
	CreateProposal(ctx context.Context, p *schema.Proposal) error
	GetProposal(ctx context.Context, id int64) (*schema.Proposal, error)
	ListProposalsInState(ctx context.Context, workflowID int64, state string) ([]int64, error)
	CreateInstrument(ctx context.Context, code, name string) (int64, error)
	AssignInstrument(ctx context.Context, proposalID int64, a *schema.InstrumentAssignment) error

	// Transition commit and audit log
	CommitTransition(ctx context.Context, commit *TransitionCommit) error
	ListTransitionEvents(ctx context.Context, proposalID int64) ([]*schema.TransitionEvent, error)

	// Tool registry
	CreateTool(ctx context.Context, tool *schema.ExternalTool) error
	CreateToolOperation(ctx context.Context, op *schema.ToolOperation) error
	GetToolOperation(ctx context.Context, id int64) (*schema.ToolOperation, error)

	// Execution traces
	CreateTrace(ctx context.Context, trace *schema.ExecutionTrace) error
	UpdateTrace(ctx context.Context, trace *schema.ExecutionTrace) error
	GetTrace(ctx context.Context, id string) (*schema.ExecutionTrace, error)
	ListTraces(ctx context.Context, filter TraceFilter) ([]*schema.ExecutionTrace, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Scheduled transitions
	CreateScheduledTransition(ctx context.Context, st *ScheduledTransition) error
	GetScheduledTransition(ctx context.Context, id string) (*ScheduledTransition, error)
	UpdateScheduledTransition(ctx context.Context, id string, update ScheduledTransitionUpdate) error
	ListScheduledTransitions(ctx context.Context, filter ScheduledTransitionFilter) ([]*ScheduledTransition, error)
	DeleteScheduledTransition(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
