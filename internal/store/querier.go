package store

import "context"

// Querier is the full set of statements the application runs.
type Querier interface {
	CreateUser(ctx context.Context, arg CreateUserParams) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserName(ctx context.Context, arg UpdateUserNameParams) error
	SetUserAdmin(ctx context.Context, username string, isAdmin bool) error
	SetUserPassword(ctx context.Context, username, passwordHash string) error
	CountAdmins(ctx context.Context) (int64, error)

	CreateClass(ctx context.Context, faculty, name string) (Class, error)
	GetClass(ctx context.Context, faculty, name string) (Class, error)
	ListClassesByFaculty(ctx context.Context, faculty string) ([]Class, error)
	SetClassOpen(ctx context.Context, classID string, open bool) error

	Enroll(ctx context.Context, classID, student string) (bool, error)
	Unenroll(ctx context.Context, classID, student string) (bool, error)
	ListStudents(ctx context.Context, classID string) ([]User, error)
	ListClassesForStudent(ctx context.Context, student string) ([]Class, error)
	CountEnrollments(ctx context.Context, student string) (int64, error)

	CreateAssignment(ctx context.Context, classID, name string) (Assignment, error)
	GetAssignment(ctx context.Context, classID, name string) (Assignment, error)
	ListAssignments(ctx context.Context, classID string) ([]Assignment, error)
	SetAssignmentState(ctx context.Context, assignmentID, state string) error
	DeleteAssignment(ctx context.Context, assignmentID string) error

	InsertSubmissionResult(ctx context.Context, arg InsertSubmissionResultParams) (SubmissionResult, error)
	ListSubmissionResults(ctx context.Context, assignmentID string) ([]SubmissionResult, error)
}

var _ Querier = (*Queries)(nil)
