// Package handlers implements one dispatch.Handler per event type of the
// client protocol.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/dispatch"
	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/gitrepo"
	"github.com/gsarma/gitgrade/internal/grader"
	"github.com/gsarma/gitgrade/internal/locks"
	"github.com/gsarma/gitgrade/internal/store"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrPermission     = errors.New("permission denied")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
)

// Event types of the client protocol.
const (
	EventClassAdd       = "CLASS_ADD"
	EventStudentsAdd    = "STUDENTS_ADD"
	EventStudentsRemove = "STUDENTS_REMOVE"
	EventStudentsModify = "STUDENTS_MODIFY"
	EventClassStatus    = "CLASS_STATUS"
	EventUpload         = "UPLOAD"
	EventUpdate         = "UPDATE"
	EventPublish        = "PUBLISH"
	EventDelete         = "DELETE"
	EventDisable        = "DISABLE"
	EventTrigger        = "TRIGGER"
	EventSubmission     = "SUBMISSION"
	EventPasswd         = "PASSWD"
	EventFacultyAdd     = "FACULTY_ADD"
	EventAdminPromote   = "ADMIN_PROMOTE"
	EventAdminDemote    = "ADMIN_DEMOTE"
	EventCheck          = "CHECK"
)

// Enqueuer accepts submissions for testing.
type Enqueuer interface {
	Enqueue(sub grader.Submission) (grader.Submission, error)
}

// Watcher starts and stops tailing a user's client log.
type Watcher interface {
	WatchUser(ctx context.Context, username string) error
	UnwatchUser(username string)
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Store   store.Querier
	Locks   *locks.Registry
	Git     *gitrepo.Git
	Runner  Enqueuer
	Mailer  grader.Mailer
	Watcher Watcher
	Layout  Layout

	From        string
	ServiceName string
	// RepoHost prefixes repository paths in emails, e.g. "git@grader.example.edu".
	RepoHost string
}

// Register adds every handler to reg.
func Register(reg *dispatch.Registry, d *Deps) {
	if d.ServiceName == "" {
		d.ServiceName = "gitgrade"
	}
	reg.Register(EventClassAdd, func(ev dispatch.Event) dispatch.Handler { return &classAdd{base: base{ev: ev, d: d}} })
	reg.Register(EventStudentsAdd, func(ev dispatch.Event) dispatch.Handler { return &studentsAdd{base: base{ev: ev, d: d}} })
	reg.Register(EventStudentsRemove, func(ev dispatch.Event) dispatch.Handler { return &studentsRemove{base: base{ev: ev, d: d}} })
	reg.Register(EventStudentsModify, func(ev dispatch.Event) dispatch.Handler { return &studentsModify{base: base{ev: ev, d: d}} })
	reg.Register(EventClassStatus, func(ev dispatch.Event) dispatch.Handler { return &classStatus{base: base{ev: ev, d: d}} })
	reg.Register(EventUpload, func(ev dispatch.Event) dispatch.Handler { return &upload{assignmentTarget: target(ev, d)} })
	reg.Register(EventUpdate, func(ev dispatch.Event) dispatch.Handler { return &update{assignmentTarget: target(ev, d)} })
	reg.Register(EventPublish, func(ev dispatch.Event) dispatch.Handler { return &publish{assignmentTarget: target(ev, d)} })
	reg.Register(EventDelete, func(ev dispatch.Event) dispatch.Handler { return &deleteAssignment{assignmentTarget: target(ev, d)} })
	reg.Register(EventDisable, func(ev dispatch.Event) dispatch.Handler { return &disable{assignmentTarget: target(ev, d)} })
	reg.Register(EventTrigger, func(ev dispatch.Event) dispatch.Handler { return &trigger{assignmentTarget: target(ev, d)} })
	reg.Register(EventSubmission, func(ev dispatch.Event) dispatch.Handler { return &submission{base: base{ev: ev, d: d}} })
	reg.Register(EventPasswd, func(ev dispatch.Event) dispatch.Handler { return &passwd{base: base{ev: ev, d: d}} })
	reg.Register(EventFacultyAdd, func(ev dispatch.Event) dispatch.Handler { return &facultyAdd{base: base{ev: ev, d: d}} })
	reg.Register(EventAdminPromote, func(ev dispatch.Event) dispatch.Handler { return &adminChange{base: base{ev: ev, d: d}, grant: true} })
	reg.Register(EventAdminDemote, func(ev dispatch.Event) dispatch.Handler { return &adminChange{base: base{ev: ev, d: d}} })
	reg.Register(EventCheck, func(ev dispatch.Event) dispatch.Handler { return &check{base: base{ev: ev, d: d}} })
}

func target(ev dispatch.Event, d *Deps) assignmentTarget {
	return assignmentTarget{base: base{ev: ev, d: d}}
}

// Layout maps users, classes and assignments to paths on disk.
type Layout struct {
	UsersDir      string
	DataDir       string
	LogDirName    string
	ClientLogName string
	// UploadDirs are shared directories, besides the user's home, that
	// absolute roster and assignment paths may point into.
	UploadDirs []string
}

func (l Layout) UserDir(user string) string {
	return filepath.Join(l.UsersDir, user)
}

// ClientLog is the log the server watches for the user's requests.
func (l Layout) ClientLog(user string) string {
	return filepath.Join(l.UsersDir, user, l.LogDirName, l.ClientLogName)
}

func (l Layout) ClassDir(faculty, class string) string {
	return filepath.Join(l.DataDir, faculty, class)
}

func (l Layout) AssignmentDir(faculty, class, assignment string) string {
	return filepath.Join(l.DataDir, faculty, class, assignment)
}

// RepoPath is the bare repository a student pushes an assignment to.
func (l Layout) RepoPath(student, faculty, class, assignment string) string {
	return filepath.Join(l.UsersDir, student, faculty, class, assignment+".git")
}

// ResolveUserPath resolves p relative to the user's directory. The result
// must lie under the home directory or one of UploadDirs.
func (l Layout) ResolveUserPath(user, p string) (string, error) {
	home := locks.Canonical(l.UserDir(user))
	if !filepath.IsAbs(p) {
		p = filepath.Join(home, p)
	}
	p = locks.Canonical(p)
	if within(p, home) {
		return p, nil
	}
	for _, dir := range l.UploadDirs {
		if dir != "" && within(p, locks.Canonical(dir)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s is outside your home directory and the upload directories", ErrPermission, p)
}

func within(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

func validName(kind, s string) error {
	if !nameRe.MatchString(s) || strings.Contains(s, "..") {
		return fmt.Errorf("%w: bad %s name %q", ErrInvalidPayload, kind, s)
	}
	return nil
}

// base carries what every handler needs.
type base struct {
	ev dispatch.Event
	d  *Deps
}

func (b *base) fields(least, most int) ([]string, error) {
	f := strings.Fields(b.ev.Payload)
	if len(f) < least || (most >= 0 && len(f) > most) {
		return nil, fmt.Errorf("%w: %s expects %s", ErrInvalidPayload, b.ev.Type, usage[b.ev.Type])
	}
	return f, nil
}

var usage = map[string]string{
	EventClassAdd:       "<class> <csv_path>",
	EventStudentsAdd:    "<class> <csv_path>",
	EventStudentsRemove: "<class> <csv_path>",
	EventStudentsModify: "<class> <csv_path>",
	EventClassStatus:    "<class> <open|closed>",
	EventUpload:         "<class> <assignment> <upload_dir>",
	EventUpdate:         "<class> <assignment> <upload_dir> <base_code|tests|email|all>",
	EventPublish:        "<class> <assignment>",
	EventDelete:         "<class> <assignment>",
	EventDisable:        "<class> <assignment>",
	EventTrigger:        "<class> <assignment> [student ...]",
	EventSubmission:     "<faculty> <class> <assignment> <repo_path> [commit]",
	EventPasswd:         "<username>",
	EventFacultyAdd:     "<last> <first> <email> [admin]",
	EventAdminPromote:   "<username>",
	EventAdminDemote:    "<username>",
	EventCheck:          "no arguments",
}

func (b *base) caller(ctx context.Context) (store.User, error) {
	u, err := b.d.Store.GetUserByUsername(ctx, b.ev.User)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("%w: unknown user %s", ErrPermission, b.ev.User)
	}
	return u, err
}

func (b *base) requireFaculty(ctx context.Context) (store.User, error) {
	u, err := b.caller(ctx)
	if err != nil {
		return u, err
	}
	if u.Role != store.RoleFaculty {
		return u, fmt.Errorf("%w: %s is not faculty", ErrPermission, u.Username)
	}
	return u, nil
}

func (b *base) requireAdmin(ctx context.Context) (store.User, error) {
	u, err := b.caller(ctx)
	if err != nil {
		return u, err
	}
	if !u.IsAdmin {
		return u, fmt.Errorf("%w: %s is not an admin", ErrPermission, u.Username)
	}
	return u, nil
}

// lookupClass finds a class owned by the calling faculty member.
func (b *base) lookupClass(ctx context.Context, name string) (store.Class, error) {
	c, err := b.d.Store.GetClass(ctx, b.ev.User, name)
	if errors.Is(err, store.ErrNotFound) {
		return c, fmt.Errorf("%w: class %s", ErrNotFound, name)
	}
	return c, err
}

func (b *base) lookupAssignment(ctx context.Context, c store.Class, name string) (store.Assignment, error) {
	a, err := b.d.Store.GetAssignment(ctx, c.ID, name)
	if errors.Is(err, store.ErrNotFound) {
		return a, fmt.Errorf("%w: assignment %s in %s", ErrNotFound, name, c.Name)
	}
	return a, err
}

func (b *base) mail(ctx context.Context, template string, to string, vars map[string]any) {
	if b.d.Mailer == nil || to == "" {
		return
	}
	vars["ServiceName"] = b.d.ServiceName
	msg, err := email.Compose(template, b.d.From, []string{to}, vars)
	if err == nil {
		_, err = b.d.Mailer.Enqueue(ctx, msg)
	}
	if err != nil {
		log.WithFields(log.Fields{"event": b.ev.Type, "template": template, "to": to}).WithError(err).Error("failed to queue email")
	}
}

func (b *base) repoURL(path string) string {
	if b.d.RepoHost == "" {
		return path
	}
	return b.d.RepoHost + ":" + path
}

// ensureUserDirs creates the user's home and log directory so the client
// and git hooks can append to the client log.
func (l Layout) ensureUserDirs(user string) error {
	dir := filepath.Dir(l.ClientLog(user))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.ClientLog(user), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
