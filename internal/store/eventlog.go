package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// appendEvent inserts a transition event with the next per-proposal
// sequence number. It runs inside the commit transaction so the event and
// the state change land together.
func appendEvent(ctx context.Context, tx *sql.Tx, event *schema.TransitionEvent) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM proposal_events WHERE proposal_id = ?`, event.ProposalID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	ctxJSON, err := jsonColumn(event.Context)
	if err != nil {
		return fmt.Errorf("marshal event context: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO proposal_events (proposal_id, sequence, transition, from_state, to_state, actor_id, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		event.ProposalID, seq, event.Transition, event.FromState, event.ToState, event.ActorID, ctxJSON, event.CreatedAt,
	).Scan(&event.ID); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListTransitionEvents returns a proposal's events in commit order.
func (s *LibSQLStore) ListTransitionEvents(ctx context.Context, proposalID int64) ([]*schema.TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, proposal_id, transition, from_state, to_state, actor_id, context, created_at
		 FROM proposal_events WHERE proposal_id = ? ORDER BY sequence ASC`, proposalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.TransitionEvent
	for rows.Next() {
		e := &schema.TransitionEvent{}
		var ctxJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.ProposalID, &e.Transition, &e.FromState, &e.ToState, &e.ActorID, &ctxJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(ctxJSON, &e.Context); err != nil {
			return nil, fmt.Errorf("unmarshal event context: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// History is a proposal's replayed transition log.
type History struct {
	ProposalID   int64                     `json:"proposal_id"`
	Events       []*schema.TransitionEvent `json:"events"`
	CurrentState string                    `json:"current_state,omitempty"`
}

// EventLog replays transition events on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide history replay.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Replay returns the proposal's history. Each event must start where the
// previous one ended, and the last event must end in the proposal's current
// state; a broken chain is reported as a STORE_ERROR.
func (el *EventLog) Replay(ctx context.Context, proposalID int64) (*History, error) {
	p, err := el.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	events, err := el.store.ListTransitionEvents(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list events for replay: %w", err)
	}

	h := &History{ProposalID: proposalID, Events: events, CurrentState: p.CurrentState}
	if len(events) == 0 {
		return h, nil
	}

	for i := 1; i < len(events); i++ {
		if events[i].FromState != events[i-1].ToState {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"broken history for proposal %d: event %d starts in %q but previous ended in %q",
				proposalID, i+1, events[i].FromState, events[i-1].ToState)
		}
	}
	if last := events[len(events)-1]; last.ToState != p.CurrentState {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"broken history for proposal %d: last event ends in %q but proposal is in %q",
			proposalID, last.ToState, p.CurrentState)
	}
	return h, nil
}
