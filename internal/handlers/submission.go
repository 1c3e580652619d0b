package handlers

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/gsarma/gitgrade/internal/grader"
	"github.com/gsarma/gitgrade/internal/locks"
	"github.com/gsarma/gitgrade/internal/store"
)

var commitRe = regexp.MustCompile(`^[0-9a-f]{4,64}$`)

// submission handles SUBMISSION <faculty> <class> <assignment> <repo_path>
// [commit], appended by the post-receive hook of a student repository.
type submission struct {
	base
	faculty, className, assignment, repo, commit string
}

func (h *submission) Parse() error {
	f, err := h.fields(4, 5)
	if err != nil {
		return err
	}
	h.faculty, h.className, h.assignment, h.repo = f[0], f[1], f[2], f[3]
	if len(f) == 5 {
		h.commit = f[4]
		if !commitRe.MatchString(h.commit) {
			return fmt.Errorf("%w: bad commit %q", ErrInvalidPayload, h.commit)
		}
	}
	for _, n := range []struct{ kind, v string }{{"faculty", h.faculty}, {"class", h.className}, {"assignment", h.assignment}} {
		if err := validName(n.kind, n.v); err != nil {
			return err
		}
	}
	return nil
}

func (h *submission) Handle(ctx context.Context) (string, error) {
	if _, err := h.caller(ctx); err != nil {
		return "", err
	}
	c, err := h.d.Store.GetClass(ctx, h.faculty, h.className)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: class %s/%s", ErrNotFound, h.faculty, h.className)
	}
	if err != nil {
		return "", err
	}
	if err := h.requireEnrolled(ctx, c); err != nil {
		return "", err
	}
	if !c.Open {
		return "", fmt.Errorf("%w: class %s is closed", ErrPermission, c.Name)
	}
	a, err := h.lookupAssignment(ctx, c, h.assignment)
	if err != nil {
		return "", err
	}
	if a.State != store.AssignmentPublished {
		return "", fmt.Errorf("%w: %s is not accepting submissions", ErrPermission, h.assignment)
	}

	want := h.d.Layout.RepoPath(h.ev.User, h.faculty, h.className, h.assignment)
	if locks.Canonical(h.repo) != locks.Canonical(want) {
		return "", fmt.Errorf("%w: %s is not your repository for %s", ErrPermission, h.repo, h.assignment)
	}
	commit := h.commit
	if commit == "" {
		if commit, err = h.d.Git.Head(ctx, want); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}

	sub, err := h.d.Runner.Enqueue(grader.Submission{
		Student:       h.ev.User,
		Faculty:       h.faculty,
		Class:         h.className,
		Assignment:    h.assignment,
		AssignmentID:  a.ID,
		AssignmentDir: h.d.Layout.AssignmentDir(h.faculty, h.className, h.assignment),
		RepoPath:      want,
		Commit:        commit,
	})
	if errors.Is(err, grader.ErrQueueFull) {
		return "", fmt.Errorf("test queue is full, push again later: %w", err)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("submission %s of %s queued for testing (%s)", shortCommit(commit), h.assignment, sub.ID), nil
}

func (h *submission) requireEnrolled(ctx context.Context, c store.Class) error {
	classes, err := h.d.Store.ListClassesForStudent(ctx, h.ev.User)
	if err != nil {
		return err
	}
	for _, e := range classes {
		if e.ID == c.ID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not enrolled in %s", ErrPermission, h.ev.User, c.Name)
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}
