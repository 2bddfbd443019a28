package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/xx70235/AstroPropose/internal/scheduler"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// csstStates are the states of the CSST observation workflow in order.
var csstStates = []string{
	"Draft",
	"Phase1Submitted",
	"Scheduling",
	"Phase1Confirmed",
	"Phase2Draft",
	"Phase2Submitted",
	"UnderReview",
	"ReviewComplete",
	"FinalDecision",
}

var seedUsers = []struct {
	username string
	email    string
	roles    []string
}{
	{"admin", "admin@csst.example.org", []string{"Admin"}},
	{"proposer", "proposer@csst.example.org", []string{"Proposer"}},
	{"tech_expert", "tech@csst.example.org", []string{"Technical Expert", "Instrument Scheduler"}},
	{"reviewer", "reviewer@csst.example.org", []string{"Reviewer"}},
	{"chair", "chair@csst.example.org", []string{"Panel Chair", "Admin"}},
}

const visibilityOperation = `{
  "operation_id": "checkVisibility",
  "name": "Check Target Visibility",
  "method": "POST",
  "path": "/api/v1/check",
  "timeout": 30,
  "tool_type": "validation",
  "input_mapping": {
    "body": {
      "ra": "proposal.data.ra",
      "dec": "proposal.data.dec",
      "target_name": "proposal.data.target_name"
    }
  },
  "output_mapping": {"to_context": {"visibility_result": "response"}},
  "retry_config": {"max_retries": 2, "retry_delay": 3, "retryable_codes": [500, 502, 503, 504]},
  "validation_config": {
    "block_on_failure": false,
    "block_on_service_error": false,
    "failure_conditions": [{"path": "response.visible", "operator": "==", "value": false}],
    "error_message_template": "Target is not visible: {response.reason}"
  },
  "is_active": true
}`

const schedulingOperation = `{
  "operation_id": "scheduleTargets",
  "name": "Schedule Observation Targets",
  "method": "POST",
  "path": "/api/v1/schedule",
  "timeout": 60,
  "tool_type": "data_processing",
  "input_mapping": {
    "body": {
      "proposal_id": "proposal.id",
      "targets": "proposal.data.observation_targets"
    }
  },
  "output_mapping": {
    "to_context": {"scheduling_feedback": "response.feedback"},
    "to_proposal_data": {"schedule_id": "response.schedule_id"}
  },
  "retry_config": {"max_retries": 3, "retry_delay": 5},
  "is_active": true
}`

const notificationOperation = `{
  "operation_id": "sendNotification",
  "name": "Send Notification",
  "method": "POST",
  "path": "/api/v1/send",
  "timeout": 15,
  "tool_type": "notification",
  "input_mapping": {
    "body": {
      "recipient": "proposal.author.email",
      "subject": {"template": "Proposal {proposal.title} is now {proposal.status}"},
      "proposal_id": "proposal.id"
    }
  },
  "output_mapping": {"to_context": {"notification_id": "response.message_id"}},
  "retry_config": {"max_retries": 1, "retry_delay": 2},
  "is_active": true
}`

// csstDefinition is the CSST observation workflow. Placeholders are the
// visibility, scheduling and notification operation row ids and the
// instrument id.
const csstDefinition = `{
  "initial_state": "Draft",
  "states": %[5]s,
  "transitions": [
    {
      "name": "submit_phase1", "label": "Submit Phase-1", "from": "Draft", "to": "Phase1Submitted",
      "roles": ["Proposer"],
      "effects": {
        "phase": "phase1", "set_phase_status": "submitted", "record_submission_time": true,
        "external_tools": [{"operation_id": %[1]d, "on_failure": "continue"}]
      }
    },
    {
      "name": "start_scheduling", "label": "Start Scheduling", "from": "Phase1Submitted", "to": "Scheduling",
      "roles": ["Technical Expert", "Instrument Scheduler"],
      "effects": {"external_tools": [{"operation_id": %[2]d, "on_failure": "continue"}]}
    },
    {
      "name": "complete_scheduling", "label": "Complete Scheduling", "from": "Scheduling", "to": "Phase1Confirmed",
      "roles": ["Technical Expert", "Instrument Scheduler"],
      "effects": {
        "instrument": {"instrument_id": %[4]d, "phase": "phase1", "set_status": "scheduled",
                       "update_feedback": true, "record_feedback_time": true},
        "external_tools": [{"operation_id": %[3]d, "on_failure": "continue"}]
      }
    },
    {
      "name": "start_phase2", "label": "Start Phase-2", "from": "Phase1Confirmed", "to": "Phase2Draft",
      "roles": ["Proposer"],
      "effects": {"phase": "phase2", "set_phase_status": "draft"}
    },
    {
      "name": "submit_phase2", "label": "Submit Phase-2", "from": "Phase2Draft", "to": "Phase2Submitted",
      "roles": ["Proposer"],
      "conditions": {"phase_status": {"phase": "phase2", "status": "draft"}},
      "effects": {"phase": "phase2", "set_phase_status": "submitted", "record_submission_time": true}
    },
    {
      "name": "start_review", "label": "Start Review", "from": "Phase2Submitted", "to": "UnderReview",
      "roles": ["Panel Chair", "Admin", "System"],
      "effects": {"phase": "phase2", "set_phase_status": "under_review"}
    },
    {
      "name": "complete_review", "label": "Complete Review", "from": "UnderReview", "to": "ReviewComplete",
      "roles": ["Reviewer", "Panel Chair"],
      "effects": {"phase": "phase2", "set_phase_status": "reviewed"}
    },
    {
      "name": "finalize_decision", "label": "Finalize Decision", "from": "ReviewComplete", "to": "FinalDecision",
      "roles": ["Panel Chair", "Admin"],
      "conditions": {"expression": "proposal.phases.exists(p, p.phase == 'phase2' && p.status == 'reviewed')"},
      "effects": {
        "phase": "phase2", "set_phase_status": "finalized", "record_confirmation_time": true,
        "external_tools": [{"operation_id": %[3]d, "on_failure": "continue"}]
      }
    }
  ]
}`

func runSeed(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	toolURL := fs.String("tool-url", "http://localhost:8090", "base URL of the CSST tool services")
	reviewCron := fs.String("review-cron", "0 2 * * *", "cron schedule for the nightly start_review batch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stderr)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := seedCSST(ctx, a, strings.TrimRight(*toolURL, "/"), *reviewCron)
	if err != nil {
		return err
	}
	fmt.Printf("Seeded workflow %d, proposal %d, schedule %s\n", res.workflowID, res.proposalID, res.scheduleID)
	return nil
}

type seedResult struct {
	users      map[string]int64
	workflowID int64
	proposalID int64
	scheduleID string
}

func seedCSST(ctx context.Context, a *app, toolURL, reviewCron string) (*seedResult, error) {
	s := a.store

	users := make(map[string]int64, len(seedUsers))
	for _, u := range seedUsers {
		user := &schema.User{Username: u.username, Email: u.email}
		if err := s.CreateUser(ctx, user, u.roles); err != nil {
			return nil, fmt.Errorf("create user %s: %w", u.username, err)
		}
		users[u.username] = user.ID
	}

	instrumentID, err := s.CreateInstrument(ctx, "CSST_IM", "CSST Imaging Camera")
	if err != nil {
		return nil, err
	}

	visibility := &schema.ExternalTool{
		Name: "CSST Target Visibility Calculator", BaseURL: toolURL + "/visibility",
		AuthType:   schema.AuthAPIKey,
		AuthConfig: map[string]string{"key_name": "X-API-Key", "key_value": "${{secrets.CSST_VISIBILITY_KEY}}"},
		IsActive:   true,
	}
	scheduling := &schema.ExternalTool{
		Name: "CSST Scheduling Tool", BaseURL: toolURL + "/scheduling",
		AuthType:   schema.AuthAPIKey,
		AuthConfig: map[string]string{"key_name": "X-API-Key", "key_value": "${{secrets.CSST_SCHEDULING_KEY}}"},
		RateLimit:  &schema.RateLimit{RequestsPerSecond: 2, Burst: 4},
		IsActive:   true,
	}
	notification := &schema.ExternalTool{
		Name: "CSST Notification Service", BaseURL: toolURL + "/notifications",
		AuthType:   schema.AuthBearer,
		AuthConfig: map[string]string{"token": "${{secrets.CSST_NOTIFY_TOKEN}}"},
		IsActive:   true,
	}
	for _, tool := range []*schema.ExternalTool{visibility, scheduling, notification} {
		if err := s.CreateTool(ctx, tool); err != nil {
			return nil, fmt.Errorf("create tool %s: %w", tool.Name, err)
		}
	}

	visibilityOp, err := registerOperation(ctx, a, visibility.ID, visibilityOperation)
	if err != nil {
		return nil, err
	}
	schedulingOp, err := registerOperation(ctx, a, scheduling.ID, schedulingOperation)
	if err != nil {
		return nil, err
	}
	notificationOp, err := registerOperation(ctx, a, notification.ID, notificationOperation)
	if err != nil {
		return nil, err
	}

	states, _ := json.Marshal(csstStates)
	raw := json.RawMessage(fmt.Sprintf(csstDefinition, visibilityOp, schedulingOp, notificationOp, instrumentID, states))
	if _, err := a.validator.Load(raw, csstStates); err != nil {
		return nil, err
	}
	wf := &store.Workflow{
		Name:        "CSST Observation Workflow",
		Description: "Phase-1 submission, technical scheduling, Phase-2 submission and science review",
		Definition:  raw,
	}
	if err := s.CreateWorkflow(ctx, wf, csstStates); err != nil {
		return nil, err
	}
	typeID, err := s.CreateProposalType(ctx, "CSST General Observer", wf.ID)
	if err != nil {
		return nil, err
	}

	p := &schema.Proposal{
		Title:          "Deep Field Imaging of the Andromeda Halo",
		Abstract:       "Multi-band imaging of stellar streams in the outer halo of M31.",
		ProposalTypeID: typeID,
		Author:         schema.User{ID: users["proposer"]},
		Data: map[string]any{
			"target_name": "M31",
			"ra":          "00:42:44.3",
			"dec":         "+41:16:09",
			"observation_targets": []any{
				map[string]any{"target_name": "M31 halo field 1", "ra": "00:40:00", "dec": "+40:00:00", "exposure_time": 600, "filter": "g"},
				map[string]any{"target_name": "M31 halo field 2", "ra": "00:46:00", "dec": "+42:30:00", "exposure_time": 900, "filter": "i"},
			},
		},
	}
	if err := s.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	if err := s.AssignInstrument(ctx, p.ID, &schema.InstrumentAssignment{
		InstrumentID: instrumentID, Phase: "phase1", Status: "pending",
		FormData: map[string]any{"filters": []any{"g", "i"}, "total_exposure": 1500},
	}); err != nil {
		return nil, err
	}

	sched := scheduler.New(s, a.engine, 0, a.logger)
	st := &store.ScheduledTransition{
		Name:           "Nightly review kickoff",
		WorkflowID:     wf.ID,
		FromState:      "Phase2Submitted",
		Transition:     "start_review",
		CronExpression: reviewCron,
		Enabled:        true,
	}
	if err := sched.Register(ctx, st); err != nil {
		return nil, err
	}

	return &seedResult{users: users, workflowID: wf.ID, proposalID: p.ID, scheduleID: st.ID}, nil
}

// registerOperation validates an operation document and stores it under tool.
func registerOperation(ctx context.Context, a *app, toolID int64, doc string) (int64, error) {
	if err := a.validator.Schemas().ValidateOperation([]byte(doc)); err != nil {
		return 0, err
	}
	var op schema.ToolOperation
	if err := json.Unmarshal([]byte(doc), &op); err != nil {
		return 0, fmt.Errorf("decode operation: %w", err)
	}
	op.ToolID = toolID
	if err := a.store.CreateToolOperation(ctx, &op); err != nil {
		return 0, fmt.Errorf("create operation %s: %w", op.OperationID, err)
	}
	return op.ID, nil
}
