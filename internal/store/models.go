package store

import "time"

const (
	RoleFaculty = "faculty"
	RoleStudent = "student"
)

const (
	AssignmentUploaded  = "uploaded"
	AssignmentPublished = "published"
	AssignmentDisabled  = "disabled"
)

type User struct {
	ID           string
	Username     string
	FirstName    string
	LastName     string
	Email        string
	Role         string
	IsAdmin      bool
	PasswordHash string
	CreatedAt    time.Time
}

type Class struct {
	ID        string
	Faculty   string
	Name      string
	Open      bool
	CreatedAt time.Time
}

type Assignment struct {
	ID          string
	ClassID     string
	Name        string
	State       string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type SubmissionResult struct {
	ID           string
	AssignmentID string
	Student      string
	CommitSHA    string
	Outcome      string
	Passed       bool
	Duration     time.Duration
	CreatedAt    time.Time
}

type CreateUserParams struct {
	Username     string
	FirstName    string
	LastName     string
	Email        string
	Role         string
	IsAdmin      bool
	PasswordHash string
}

type UpdateUserNameParams struct {
	Username  string
	FirstName string
	LastName  string
}

type InsertSubmissionResultParams struct {
	AssignmentID string
	Student      string
	CommitSHA    string
	Outcome      string
	Passed       bool
	Duration     time.Duration
}
