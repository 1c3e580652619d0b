package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const assignmentColumns = `id, class_id, name, state, created_at, published_at`

func scanAssignment(row scanner) (Assignment, error) {
	var (
		a         Assignment
		created   string
		published sql.NullString
	)
	if err := row.Scan(&a.ID, &a.ClassID, &a.Name, &a.State, &created, &published); err != nil {
		return Assignment{}, translate(err)
	}
	a.CreatedAt = parseTimestamp(created)
	if published.Valid {
		t := parseTimestamp(published.String)
		a.PublishedAt = &t
	}
	return a, nil
}

func (q *Queries) CreateAssignment(ctx context.Context, classID, name string) (Assignment, error) {
	a := Assignment{ID: uuid.NewString(), ClassID: classID, Name: name, State: AssignmentUploaded, CreatedAt: time.Now().UTC()}
	_, err := q.exec(ctx,
		`INSERT INTO assignments (id, class_id, name, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.ClassID, a.Name, a.State, timestamp(a.CreatedAt),
	)
	if err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func (q *Queries) GetAssignment(ctx context.Context, classID, name string) (Assignment, error) {
	return scanAssignment(q.queryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE class_id = ? AND name = ?`, classID, name))
}

func (q *Queries) ListAssignments(ctx context.Context, classID string) ([]Assignment, error) {
	rows, err := q.query(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE class_id = ? ORDER BY name`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAssignmentState moves an assignment to state, stamping published_at the
// first time it is published.
func (q *Queries) SetAssignmentState(ctx context.Context, assignmentID, state string) error {
	var published any
	if state == AssignmentPublished {
		published = timestamp(time.Now())
	}
	res, err := q.exec(ctx,
		`UPDATE assignments SET state = ?, published_at = COALESCE(published_at, ?) WHERE id = ?`,
		state, published, assignmentID,
	)
	return requireRow(res, err)
}

func (q *Queries) DeleteAssignment(ctx context.Context, assignmentID string) error {
	res, err := q.exec(ctx, `DELETE FROM assignments WHERE id = ?`, assignmentID)
	return requireRow(res, err)
}

func (q *Queries) InsertSubmissionResult(ctx context.Context, arg InsertSubmissionResultParams) (SubmissionResult, error) {
	r := SubmissionResult{
		ID:           uuid.NewString(),
		AssignmentID: arg.AssignmentID,
		Student:      arg.Student,
		CommitSHA:    arg.CommitSHA,
		Outcome:      arg.Outcome,
		Passed:       arg.Passed,
		Duration:     arg.Duration,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := q.exec(ctx,
		`INSERT INTO submission_results (id, assignment_id, student, commit_sha, outcome, passed, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AssignmentID, r.Student, r.CommitSHA, r.Outcome, r.Passed, r.Duration.Milliseconds(), timestamp(r.CreatedAt),
	)
	if err != nil {
		return SubmissionResult{}, err
	}
	return r, nil
}

func (q *Queries) ListSubmissionResults(ctx context.Context, assignmentID string) ([]SubmissionResult, error) {
	rows, err := q.query(ctx,
		`SELECT id, assignment_id, student, commit_sha, outcome, passed, duration_ms, created_at
		 FROM submission_results WHERE assignment_id = ? ORDER BY created_at, id`,
		assignmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SubmissionResult
	for rows.Next() {
		var (
			r       SubmissionResult
			ms      int64
			created string
		)
		if err := rows.Scan(&r.ID, &r.AssignmentID, &r.Student, &r.CommitSHA, &r.Outcome, &r.Passed, &ms, &created); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		r.CreatedAt = parseTimestamp(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
