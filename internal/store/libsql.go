package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection serializes writers; CommitTransition relies on it.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Identity ---

func (s *LibSQLStore) CreateUser(ctx context.Context, user *schema.User, roles []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO users (username, email) VALUES (?, ?) RETURNING id`,
		user.Username, nullStr(user.Email),
	).Scan(&user.ID); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles (name) VALUES (?)`, role); err != nil {
			return fmt.Errorf("insert role %q: %w", role, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_roles (user_id, role_id) SELECT ?, id FROM roles WHERE name = ?`,
			user.ID, role,
		); err != nil {
			return fmt.Errorf("assign role %q: %w", role, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetActor(ctx context.Context, userID int64) (*schema.Actor, error) {
	a := &schema.Actor{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE id = ?`, userID,
	).Scan(&a.ID, &a.Username)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("user", userID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = ? ORDER BY r.name`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	a.Roles = []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		a.Roles = append(a.Roles, name)
	}
	return a, rows.Err()
}

// --- Workflows ---

// CreateWorkflow inserts the workflow and one state row per name in states.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow, states []string) error {
	if len(wf.Definition) == 0 {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "workflow definition is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO workflows (name, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		wf.Name, nullStr(wf.Description), string(wf.Definition), now, now,
	).Scan(&wf.ID); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	wf.CreatedAt, wf.UpdatedAt = now, now
	wf.States = nil
	for _, name := range states {
		st := WorkflowState{Name: name}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO workflow_states (workflow_id, name) VALUES (?, ?) RETURNING id`,
			wf.ID, name,
		).Scan(&st.ID); err != nil {
			return fmt.Errorf("insert workflow state %q: %w", name, err)
		}
		wf.States = append(wf.States, st)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	wf := &Workflow{}
	var desc sql.NullString
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, definition, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &desc, &def, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Definition = json.RawMessage(def)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM workflow_states WHERE workflow_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st WorkflowState
		if err := rows.Scan(&st.ID, &st.Name); err != nil {
			return nil, err
		}
		wf.States = append(wf.States, st)
	}
	return wf, rows.Err()
}

func (s *LibSQLStore) CreateProposalType(ctx context.Context, name string, workflowID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO proposal_types (name, workflow_id) VALUES (?, ?) RETURNING id`, name, workflowID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert proposal type: %w", err)
	}
	return id, nil
}

// --- Proposals ---

// CreateProposal inserts p in the state named by p.CurrentState, or in the
// workflow's initial state when none is named.
func (s *LibSQLStore) CreateProposal(ctx context.Context, p *schema.Proposal) error {
	var workflowID int64
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT w.id, w.definition FROM proposal_types pt JOIN workflows w ON w.id = pt.workflow_id WHERE pt.id = ?`,
		p.ProposalTypeID,
	).Scan(&workflowID, &def)
	if err == sql.ErrNoRows {
		return storeNotFound("proposal type", p.ProposalTypeID)
	}
	if err != nil {
		return err
	}

	state := p.CurrentState
	if state == "" {
		var head struct {
			InitialState string `json:"initial_state"`
		}
		_ = json.Unmarshal([]byte(def), &head)
		state = head.InitialState
	}
	query := `SELECT id, name FROM workflow_states WHERE workflow_id = ? AND name = ?`
	args := []any{workflowID, state}
	if state == "" {
		query = `SELECT id, name FROM workflow_states WHERE workflow_id = ? ORDER BY id LIMIT 1`
		args = args[:1]
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&p.CurrentStateID, &p.CurrentState); err != nil {
		if err == sql.ErrNoRows {
			return schema.NewErrorf(schema.ErrCodeInvalidDefinition,
				"workflow %d has no state %q", workflowID, state)
		}
		return err
	}

	data, err := marshalMapOrDefault(p.Data)
	if err != nil {
		return fmt.Errorf("marshal proposal data: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO proposals (title, abstract, proposal_type_id, current_state_id, data, author_id)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Title, nullStr(p.Abstract), p.ProposalTypeID, p.CurrentStateID, string(data), p.Author.ID,
	).Scan(&p.ID); err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	p.WorkflowID = workflowID
	return nil
}

// GetProposal loads the full proposal aggregate: state, author, phases and
// instrument assignments.
func (s *LibSQLStore) GetProposal(ctx context.Context, id int64) (*schema.Proposal, error) {
	p := &schema.Proposal{}
	var abstract, email sql.NullString
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.title, p.abstract, p.proposal_type_id, pt.workflow_id, p.current_state_id, ws.name, p.data,
		        u.id, u.username, u.email
		 FROM proposals p
		 JOIN proposal_types pt ON pt.id = p.proposal_type_id
		 JOIN workflow_states ws ON ws.id = p.current_state_id
		 JOIN users u ON u.id = p.author_id
		 WHERE p.id = ?`, id,
	).Scan(&p.ID, &p.Title, &abstract, &p.ProposalTypeID, &p.WorkflowID, &p.CurrentStateID, &p.CurrentState, &data,
		&p.Author.ID, &p.Author.Username, &email)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("proposal", id)
	}
	if err != nil {
		return nil, err
	}
	p.Abstract = abstract.String
	p.Author.Email = email.String
	if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
		return nil, fmt.Errorf("unmarshal proposal data: %w", err)
	}

	if p.Phases, err = s.listPhases(ctx, id); err != nil {
		return nil, err
	}
	if p.Instruments, err = s.listAssignments(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *LibSQLStore) listPhases(ctx context.Context, proposalID int64) ([]*schema.Phase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phase, status, payload, notes, opened_at, submitted_at, confirmed_at
		 FROM proposal_phases WHERE proposal_id = ? ORDER BY id`, proposalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phases []*schema.Phase
	for rows.Next() {
		ph := &schema.Phase{}
		var payload, notes sql.NullString
		var opened, submitted, confirmed sql.NullTime
		if err := rows.Scan(&ph.ID, &ph.Phase, &ph.Status, &payload, &notes, &opened, &submitted, &confirmed); err != nil {
			return nil, err
		}
		if err := decodeJSON(payload, &ph.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal phase payload: %w", err)
		}
		ph.Notes = notes.String
		ph.OpenedAt = timePtr(opened)
		ph.SubmittedAt = timePtr(submitted)
		ph.ConfirmedAt = timePtr(confirmed)
		phases = append(phases, ph)
	}
	return phases, rows.Err()
}

func (s *LibSQLStore) listAssignments(ctx context.Context, proposalID int64) ([]*schema.InstrumentAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pi.id, pi.instrument_id, i.code, pi.phase, pi.status, pi.form_data, pi.scheduling_feedback,
		        pi.feedback_at, pi.confirmed_at, pi.applicant_confirmed_at
		 FROM proposal_instruments pi JOIN instruments i ON i.id = pi.instrument_id
		 WHERE pi.proposal_id = ? ORDER BY pi.id`, proposalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.InstrumentAssignment
	for rows.Next() {
		a := &schema.InstrumentAssignment{}
		var formData, feedback sql.NullString
		var feedbackAt, confirmedAt, applicantAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.InstrumentID, &a.InstrumentCode, &a.Phase, &a.Status, &formData, &feedback,
			&feedbackAt, &confirmedAt, &applicantAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(formData, &a.FormData); err != nil {
			return nil, fmt.Errorf("unmarshal form data: %w", err)
		}
		if err := decodeJSON(feedback, &a.SchedulingFeedback); err != nil {
			return nil, fmt.Errorf("unmarshal scheduling feedback: %w", err)
		}
		a.FeedbackAt = timePtr(feedbackAt)
		a.ConfirmedAt = timePtr(confirmedAt)
		a.ApplicantConfirmedAt = timePtr(applicantAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListProposalsInState(ctx context.Context, workflowID int64, state string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id FROM proposals p
		 JOIN workflow_states ws ON ws.id = p.current_state_id
		 WHERE ws.workflow_id = ? AND ws.name = ? ORDER BY p.id`, workflowID, state,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *LibSQLStore) CreateInstrument(ctx context.Context, code, name string) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO instruments (code, name) VALUES (?, ?) RETURNING id`, code, name,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert instrument: %w", err)
	}
	return id, nil
}

func (s *LibSQLStore) AssignInstrument(ctx context.Context, proposalID int64, a *schema.InstrumentAssignment) error {
	formData, err := jsonColumn(a.FormData)
	if err != nil {
		return fmt.Errorf("marshal form data: %w", err)
	}
	feedback, err := jsonColumn(a.SchedulingFeedback)
	if err != nil {
		return fmt.Errorf("marshal scheduling feedback: %w", err)
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO proposal_instruments (proposal_id, instrument_id, phase, status, form_data, scheduling_feedback)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		proposalID, a.InstrumentID, a.Phase, a.Status, formData, feedback,
	).Scan(&a.ID)
}

// --- Transition commit ---

// CommitTransition writes a transition atomically. The proposal row is only
// updated while it still sits in FromStateID; otherwise nothing is written and
// a CONFLICT error is returned.
func (s *LibSQLStore) CommitTransition(ctx context.Context, c *TransitionCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE proposals SET current_state_id = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{c.ToStateID}
	if c.DataChanged {
		data, err := marshalMapOrDefault(c.Data)
		if err != nil {
			return fmt.Errorf("marshal proposal data: %w", err)
		}
		query += `, data = ?`
		args = append(args, string(data))
	}
	query += ` WHERE id = ? AND current_state_id = ?`
	args = append(args, c.ProposalID, c.FromStateID)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update proposal state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE id = ?`, c.ProposalID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return storeNotFound("proposal", c.ProposalID)
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"proposal %d changed state concurrently", c.ProposalID).
			WithDetails(map[string]any{"proposal_id": c.ProposalID, "expected_state_id": c.FromStateID})
	}

	for _, ph := range c.Phases {
		if err := upsertPhase(ctx, tx, c.ProposalID, ph); err != nil {
			return err
		}
	}
	for _, a := range c.Assignments {
		if err := updateAssignment(ctx, tx, c.ProposalID, a); err != nil {
			return err
		}
	}
	if c.Event != nil {
		c.Event.ProposalID = c.ProposalID
		if err := appendEvent(ctx, tx, c.Event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func upsertPhase(ctx context.Context, tx *sql.Tx, proposalID int64, ph *schema.Phase) error {
	payload, err := jsonColumn(ph.Payload)
	if err != nil {
		return fmt.Errorf("marshal phase payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proposal_phases (proposal_id, phase, status, payload, notes, opened_at, submitted_at, confirmed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(proposal_id, phase) DO UPDATE SET
		   status = excluded.status, payload = excluded.payload, notes = excluded.notes,
		   opened_at = excluded.opened_at, submitted_at = excluded.submitted_at, confirmed_at = excluded.confirmed_at`,
		proposalID, ph.Phase, ph.Status, payload, nullStr(ph.Notes),
		nullTime(ph.OpenedAt), nullTime(ph.SubmittedAt), nullTime(ph.ConfirmedAt),
	); err != nil {
		return fmt.Errorf("upsert phase %q: %w", ph.Phase, err)
	}
	if ph.ID == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM proposal_phases WHERE proposal_id = ? AND phase = ?`, proposalID, ph.Phase,
		).Scan(&ph.ID); err != nil {
			return fmt.Errorf("read phase id: %w", err)
		}
	}
	return nil
}

func updateAssignment(ctx context.Context, tx *sql.Tx, proposalID int64, a *schema.InstrumentAssignment) error {
	feedback, err := jsonColumn(a.SchedulingFeedback)
	if err != nil {
		return fmt.Errorf("marshal scheduling feedback: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE proposal_instruments SET status = ?, scheduling_feedback = ?, feedback_at = ?,
		   confirmed_at = ?, applicant_confirmed_at = ?
		 WHERE proposal_id = ? AND instrument_id = ? AND phase = ?`,
		a.Status, feedback, nullTime(a.FeedbackAt), nullTime(a.ConfirmedAt), nullTime(a.ApplicantConfirmedAt),
		proposalID, a.InstrumentID, a.Phase,
	)
	if err != nil {
		return fmt.Errorf("update instrument assignment: %w", err)
	}
	return checkRowsAffected(res, "instrument assignment", fmt.Sprintf("%d/%s", a.InstrumentID, a.Phase))
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound[K int64 | string](resource string, id K) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, fmt.Sprint(id)).
		WithDetails(map[string]any{"resource": resource, "id": fmt.Sprint(id)})
}

func checkRowsAffected[K int64 | string](res sql.Result, resource string, id K) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// jsonColumn marshals v for a nullable TEXT column. nil becomes SQL NULL.
func jsonColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func decodeJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
