package validation

import (
	"fmt"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// ExpressionCompiler checks that a condition expression compiles.
// Satisfied by *expressions.CELEngine.
type ExpressionCompiler interface {
	Compile(expression string) error
}

// validateSemantic checks what the structural schema cannot: state
// references, unique transition names, effect coherence and expressions.
func validateSemantic(def *schema.WorkflowDefinition, states []string, compiler ExpressionCompiler) *schema.DefinitionReport {
	report := &schema.DefinitionReport{}

	declared := make(map[string]bool, len(states))
	for _, s := range states {
		declared[s] = true
	}
	if len(declared) == 0 {
		for _, s := range def.States {
			declared[s] = true
		}
	} else {
		for i, s := range def.States {
			if !declared[s] {
				report.Add(fmt.Sprintf("/states/%d", i), "state %q is not registered for this workflow", s)
			}
		}
	}
	if len(declared) == 0 {
		report.Add("/states", "workflow declares no states")
	}
	if def.InitialState != "" && !declared[def.InitialState] {
		report.Add("/initial_state", "initial state %q is not declared", def.InitialState)
	}

	names := make(map[string]int, len(def.Transitions))
	for i := range def.Transitions {
		t := &def.Transitions[i]
		path := fmt.Sprintf("/transitions/%d", i)

		if prev, dup := names[t.Name]; dup {
			report.Add(path+"/name", "duplicate transition name %q (first at /transitions/%d)", t.Name, prev)
		} else {
			names[t.Name] = i
		}
		if !declared[t.From] {
			report.Add(path+"/from", "unknown state %q", t.From)
		}
		if !declared[t.To] {
			report.Add(path+"/to", "unknown state %q", t.To)
		}
		validateConditions(t.Conditions, path+"/conditions", compiler, report)
		validateEffects(t.Effects, path+"/effects", report)
	}
	return report
}

func validateConditions(c schema.Conditions, path string, compiler ExpressionCompiler, report *schema.DefinitionReport) {
	if c.Expression == "" || compiler == nil {
		return
	}
	if err := compiler.Compile(c.Expression); err != nil {
		report.Add(path+"/expression", "%s", err.Error())
	}
}

func validateEffects(e schema.Effects, path string, report *schema.DefinitionReport) {
	for _, key := range e.Unknown {
		report.Add(path, "unsupported effect %q", key)
	}
	if e.Phase == "" && (e.SetPhaseStatus != "" || e.RecordSubmissionTime || e.RecordConfirmationTime) {
		report.Add(path+"/phase", "phase effects require a phase label")
	}
	if inst := e.Instrument; inst != nil && len(inst.UpdateFeedback) > 0 {
		switch inst.UpdateFeedback[0] {
		case 't', '{':
		default:
			report.Add(path+"/instrument/update_feedback", "must be true or a mapping object")
		}
	}
	seen := make(map[int64]bool, len(e.ExternalTools))
	for i, ref := range e.ExternalTools {
		if seen[ref.OperationID] {
			report.Add(fmt.Sprintf("%s/external_tools/%d", path, i), "operation %d listed twice", ref.OperationID)
		}
		seen[ref.OperationID] = true
	}
}
