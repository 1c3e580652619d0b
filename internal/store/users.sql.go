package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, username, first_name, last_name, email, role, is_admin, password_hash, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var (
		u       User
		created string
	)
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &u.Role, &u.IsAdmin, &u.PasswordHash, &created)
	if err != nil {
		return User{}, translate(err)
	}
	u.CreatedAt = parseTimestamp(created)
	return u, nil
}

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     arg.Username,
		FirstName:    arg.FirstName,
		LastName:     arg.LastName,
		Email:        arg.Email,
		Role:         arg.Role,
		IsAdmin:      arg.IsAdmin,
		PasswordHash: arg.PasswordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := q.exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.FirstName, u.LastName, u.Email, u.Role, u.IsAdmin, u.PasswordHash, timestamp(u.CreatedAt),
	)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (q *Queries) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?)`, email))
}

func (q *Queries) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := q.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateUserName(ctx context.Context, arg UpdateUserNameParams) error {
	res, err := q.exec(ctx,
		`UPDATE users SET first_name = ?, last_name = ? WHERE username = ?`,
		arg.FirstName, arg.LastName, arg.Username,
	)
	return requireRow(res, err)
}

func (q *Queries) SetUserAdmin(ctx context.Context, username string, isAdmin bool) error {
	res, err := q.exec(ctx, `UPDATE users SET is_admin = ? WHERE username = ?`, isAdmin, username)
	return requireRow(res, err)
}

func (q *Queries) SetUserPassword(ctx context.Context, username, passwordHash string) error {
	res, err := q.exec(ctx, `UPDATE users SET password_hash = ? WHERE username = ?`, passwordHash, username)
	return requireRow(res, err)
}

func (q *Queries) CountAdmins(ctx context.Context) (int64, error) {
	var n int64
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM users WHERE is_admin = ?`, true).Scan(&n)
	return n, translate(err)
}

// requireRow turns an update that matched nothing into ErrNotFound.
func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
