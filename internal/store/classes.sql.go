package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const classColumns = `id, faculty, name, open, created_at`

func scanClass(row scanner) (Class, error) {
	var (
		c       Class
		created string
	)
	if err := row.Scan(&c.ID, &c.Faculty, &c.Name, &c.Open, &created); err != nil {
		return Class{}, translate(err)
	}
	c.CreatedAt = parseTimestamp(created)
	return c, nil
}

func collectClasses(rows *sql.Rows) ([]Class, error) {
	defer rows.Close()
	var out []Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) CreateClass(ctx context.Context, faculty, name string) (Class, error) {
	c := Class{ID: uuid.NewString(), Faculty: faculty, Name: name, Open: true, CreatedAt: time.Now().UTC()}
	_, err := q.exec(ctx,
		`INSERT INTO classes (`+classColumns+`) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Faculty, c.Name, c.Open, timestamp(c.CreatedAt),
	)
	if err != nil {
		return Class{}, err
	}
	return c, nil
}

func (q *Queries) GetClass(ctx context.Context, faculty, name string) (Class, error) {
	return scanClass(q.queryRow(ctx, `SELECT `+classColumns+` FROM classes WHERE faculty = ? AND name = ?`, faculty, name))
}

func (q *Queries) ListClassesByFaculty(ctx context.Context, faculty string) ([]Class, error) {
	rows, err := q.query(ctx, `SELECT `+classColumns+` FROM classes WHERE faculty = ? ORDER BY name`, faculty)
	if err != nil {
		return nil, err
	}
	return collectClasses(rows)
}

func (q *Queries) SetClassOpen(ctx context.Context, classID string, open bool) error {
	res, err := q.exec(ctx, `UPDATE classes SET open = ? WHERE id = ?`, open, classID)
	return requireRow(res, err)
}

// Enroll adds student to the class. It reports false if the student was
// already enrolled.
func (q *Queries) Enroll(ctx context.Context, classID, student string) (bool, error) {
	res, err := q.exec(ctx,
		`INSERT INTO enrollments (class_id, student) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		classID, student,
	)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (q *Queries) Unenroll(ctx context.Context, classID, student string) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM enrollments WHERE class_id = ? AND student = ?`, classID, student)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (q *Queries) ListStudents(ctx context.Context, classID string) ([]User, error) {
	rows, err := q.query(ctx,
		`SELECT u.id, u.username, u.first_name, u.last_name, u.email, u.role, u.is_admin, u.password_hash, u.created_at
		 FROM users u JOIN enrollments e ON e.student = u.username
		 WHERE e.class_id = ? ORDER BY u.username`,
		classID,
	)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (q *Queries) ListClassesForStudent(ctx context.Context, student string) ([]Class, error) {
	rows, err := q.query(ctx,
		`SELECT c.id, c.faculty, c.name, c.open, c.created_at
		 FROM classes c JOIN enrollments e ON e.class_id = c.id
		 WHERE e.student = ? ORDER BY c.faculty, c.name`,
		student,
	)
	if err != nil {
		return nil, err
	}
	return collectClasses(rows)
}

func (q *Queries) CountEnrollments(ctx context.Context, student string) (int64, error) {
	var n int64
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM enrollments WHERE student = ?`, student).Scan(&n)
	return n, translate(err)
}
