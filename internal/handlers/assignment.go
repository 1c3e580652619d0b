package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/gitrepo"
	"github.com/gsarma/gitgrade/internal/grader"
	"github.com/gsarma/gitgrade/internal/store"
)

// Parts of an assignment directory.
const (
	PartBaseCode = "base_code"
	PartTests    = "tests"
	PartEmail    = "email"
	PartAll      = "all"

	emailFile  = "email.txt"
	testScript = "tests/action.sh"
)

// assignmentTarget is the "<class> <assignment>" prefix shared by the
// assignment events.
type assignmentTarget struct {
	base
	className, name string
}

func (t *assignmentTarget) parseTarget(least, most int) ([]string, error) {
	f, err := t.fields(least, most)
	if err != nil {
		return nil, err
	}
	t.className, t.name = f[0], f[1]
	if err := validName("class", t.className); err != nil {
		return nil, err
	}
	if err := validName("assignment", t.name); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *assignmentTarget) dir() string {
	return t.d.Layout.AssignmentDir(t.ev.User, t.className, t.name)
}

// load returns the caller's class and assignment.
func (t *assignmentTarget) load(ctx context.Context) (store.Class, store.Assignment, error) {
	if _, err := t.requireFaculty(ctx); err != nil {
		return store.Class{}, store.Assignment{}, err
	}
	c, err := t.lookupClass(ctx, t.className)
	if err != nil {
		return c, store.Assignment{}, err
	}
	a, err := t.lookupAssignment(ctx, c, t.name)
	return c, a, err
}

// upload handles UPLOAD <class> <assignment> <upload_dir>.
type upload struct {
	assignmentTarget
	src string
}

func (h *upload) Parse() error {
	f, err := h.parseTarget(3, 3)
	if err != nil {
		return err
	}
	h.src = f[2]
	return nil
}

func (h *upload) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireFaculty(ctx); err != nil {
		return "", err
	}
	c, err := h.lookupClass(ctx, h.className)
	if err != nil {
		return "", err
	}
	src, err := h.d.Layout.ResolveUserPath(h.ev.User, h.src)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(src, testScript)); err != nil {
		return "", fmt.Errorf("%w: %s has no %s", ErrInvalidPayload, h.src, testScript)
	}

	err = h.d.Locks.Do(ctx, h.dir(), func() error {
		if _, err := os.Stat(h.dir()); err == nil {
			return fmt.Errorf("%w: assignment %s already uploaded", ErrConflict, h.name)
		}
		if err := os.MkdirAll(h.dir(), 0o755); err != nil {
			return err
		}
		if err := gitrepo.CopyTree(src, h.dir()); err != nil {
			os.RemoveAll(h.dir())
			return fmt.Errorf("copy %s: %w", h.src, err)
		}
		_, err := h.d.Store.CreateAssignment(ctx, c.ID, h.name)
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: assignment %s already exists", ErrConflict, h.name)
		}
		if err != nil {
			os.RemoveAll(h.dir())
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assignment %s uploaded to %s", h.name, h.className), nil
}

// update handles UPDATE <class> <assignment> <upload_dir> <part>.
type update struct {
	assignmentTarget
	src, part string
}

func (h *update) Parse() error {
	f, err := h.parseTarget(4, 4)
	if err != nil {
		return err
	}
	h.src, h.part = f[2], f[3]
	switch h.part {
	case PartBaseCode, PartTests, PartEmail, PartAll:
		return nil
	}
	return fmt.Errorf("%w: part must be one of base_code, tests, email, all", ErrInvalidPayload)
}

func (h *update) Handle(ctx context.Context) (string, error) {
	_, a, err := h.load(ctx)
	if err != nil {
		return "", err
	}
	touchesBase := h.part == PartBaseCode || h.part == PartAll
	if touchesBase && a.State != store.AssignmentUploaded {
		return "", fmt.Errorf("%w: base code of %s cannot change after publishing", ErrConflict, h.name)
	}
	src, err := h.d.Layout.ResolveUserPath(h.ev.User, h.src)
	if err != nil {
		return "", err
	}

	var entries []string
	switch h.part {
	case PartBaseCode:
		entries = []string{PartBaseCode}
	case PartTests:
		entries = []string{PartTests}
	case PartEmail:
		entries = []string{emailFile}
	default:
		entries = []string{PartBaseCode, PartTests, emailFile}
	}
	if h.part == PartTests || h.part == PartAll {
		if _, err := os.Stat(filepath.Join(src, testScript)); err != nil {
			return "", fmt.Errorf("%w: %s has no %s", ErrInvalidPayload, h.src, testScript)
		}
	}

	err = h.d.Locks.Do(ctx, h.dir(), func() error {
		for _, e := range entries {
			if err := replaceEntry(filepath.Join(src, e), filepath.Join(h.dir(), e)); err != nil {
				return fmt.Errorf("replace %s: %w", e, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s of %s updated", h.part, h.name), nil
}

// replaceEntry swaps dst for a copy of src. A missing src removes dst.
func replaceEntry(src, dst string) error {
	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return os.RemoveAll(dst)
	}
	if err != nil {
		return err
	}
	tmp := dst + ".new"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			return err
		}
		if err := gitrepo.CopyTree(src, tmp); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	} else {
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.WriteFile(tmp, data, info.Mode().Perm()); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// publish handles PUBLISH <class> <assignment>: every enrolled student gets
// a bare repository seeded with the base code and a hook that reports
// pushes.
type publish struct {
	assignmentTarget
}

func (h *publish) Parse() error {
	_, err := h.parseTarget(2, 2)
	return err
}

func (h *publish) Handle(ctx context.Context) (string, error) {
	c, a, err := h.load(ctx)
	if err != nil {
		return "", err
	}
	if a.State != store.AssignmentUploaded {
		return "", fmt.Errorf("%w: %s is already %s", ErrConflict, h.name, a.State)
	}
	students, err := h.d.Store.ListStudents(ctx, c.ID)
	if err != nil {
		return "", err
	}
	announcement, err := os.ReadFile(filepath.Join(h.dir(), emailFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	var repos []string
	err = h.d.Locks.Do(ctx, h.dir(), func() error {
		for _, s := range students {
			repo, err := h.createRepo(ctx, s.Username)
			if err != nil {
				return fmt.Errorf("repository for %s: %w", s.Username, err)
			}
			repos = append(repos, repo)
		}
		return h.d.Store.SetAssignmentState(ctx, a.ID, store.AssignmentPublished)
	})
	if err != nil {
		return "", err
	}

	for i, s := range students {
		h.mail(ctx, email.TemplateAssignmentPublished, s.Email, map[string]any{
			"FirstName":    s.FirstName,
			"Class":        c.Name,
			"Assignment":   h.name,
			"Announcement": strings.TrimSpace(string(announcement)),
			"RepoURL":      h.repoURL(repos[i]),
		})
	}
	return fmt.Sprintf("%s published to %s", h.name, plural(len(students), "student")), nil
}

// createRepo is idempotent so a failed PUBLISH can be retried.
func (h *publish) createRepo(ctx context.Context, student string) (string, error) {
	repo := h.d.Layout.RepoPath(student, h.ev.User, h.className, h.name)
	hook := gitrepo.SubmissionHook{
		LogPath:    h.d.Layout.ClientLog(student),
		Faculty:    h.ev.User,
		Class:      h.className,
		Assignment: h.name,
		RepoPath:   repo,
	}
	if _, err := os.Stat(filepath.Join(repo, "HEAD")); err == nil {
		return repo, hook.Install(repo)
	}
	if err := h.d.Git.InitBare(ctx, repo); err != nil {
		return "", err
	}
	if err := h.d.Git.Seed(ctx, repo, filepath.Join(h.dir(), PartBaseCode), "Initial commit for "+h.name); err != nil {
		return "", err
	}
	return repo, hook.Install(repo)
}

// deleteAssignment handles DELETE <class> <assignment>.
type deleteAssignment struct {
	assignmentTarget
}

func (h *deleteAssignment) Parse() error {
	_, err := h.parseTarget(2, 2)
	return err
}

func (h *deleteAssignment) Handle(ctx context.Context) (string, error) {
	_, a, err := h.load(ctx)
	if err != nil {
		return "", err
	}
	if a.State != store.AssignmentUploaded {
		return "", fmt.Errorf("%w: %s is %s; disable it instead", ErrConflict, h.name, a.State)
	}
	err = h.d.Locks.Do(ctx, h.dir(), func() error {
		if err := h.d.Store.DeleteAssignment(ctx, a.ID); err != nil {
			return err
		}
		return os.RemoveAll(h.dir())
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assignment %s deleted", h.name), nil
}

// disable handles DISABLE <class> <assignment>.
type disable struct {
	assignmentTarget
}

func (h *disable) Parse() error {
	_, err := h.parseTarget(2, 2)
	return err
}

func (h *disable) Handle(ctx context.Context) (string, error) {
	_, a, err := h.load(ctx)
	if err != nil {
		return "", err
	}
	if a.State != store.AssignmentPublished {
		return "", fmt.Errorf("%w: only published assignments can be disabled, %s is %s", ErrConflict, h.name, a.State)
	}
	if err := h.d.Store.SetAssignmentState(ctx, a.ID, store.AssignmentDisabled); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s no longer accepts submissions", h.name), nil
}

// trigger handles TRIGGER <class> <assignment> [student ...] and re-tests
// the current head of each listed student's repository.
type trigger struct {
	assignmentTarget
	students []string
}

func (h *trigger) Parse() error {
	f, err := h.parseTarget(2, -1)
	if err != nil {
		return err
	}
	h.students = f[2:]
	return nil
}

func (h *trigger) Handle(ctx context.Context) (string, error) {
	c, a, err := h.load(ctx)
	if err != nil {
		return "", err
	}
	if a.State == store.AssignmentUploaded {
		return "", fmt.Errorf("%w: %s is not published", ErrConflict, h.name)
	}
	enrolled, err := h.d.Store.ListStudents(ctx, c.ID)
	if err != nil {
		return "", err
	}
	targets := enrolled
	if len(h.students) > 0 {
		byName := make(map[string]store.User, len(enrolled))
		for _, s := range enrolled {
			byName[s.Username] = s
		}
		targets = targets[:0:0]
		for _, name := range h.students {
			s, ok := byName[name]
			if !ok {
				return "", fmt.Errorf("%w: %s is not enrolled in %s", ErrNotFound, name, c.Name)
			}
			targets = append(targets, s)
		}
	}

	queued, skipped := 0, 0
	for _, s := range targets {
		repo := h.d.Layout.RepoPath(s.Username, h.ev.User, c.Name, h.name)
		commit, err := h.d.Git.Head(ctx, repo)
		if err != nil {
			log.WithFields(log.Fields{"student": s.Username, "repo": repo}).WithError(err).Warn("cannot re-test")
			skipped++
			continue
		}
		_, err = h.d.Runner.Enqueue(grader.Submission{
			Student:       s.Username,
			Faculty:       h.ev.User,
			Class:         c.Name,
			Assignment:    h.name,
			AssignmentID:  a.ID,
			AssignmentDir: h.dir(),
			RepoPath:      repo,
			Commit:        commit,
		})
		if err != nil {
			return "", fmt.Errorf("queued %d of %d: %w", queued, len(targets), err)
		}
		queued++
	}
	return fmt.Sprintf("%s queued for testing, %d skipped", plural(queued, "submission"), skipped), nil
}
