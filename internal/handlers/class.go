package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gsarma/gitgrade/internal/store"
)

// classAdd handles CLASS_ADD <class> <csv_path>.
type classAdd struct {
	base
	class, roster string
}

func (h *classAdd) Parse() error {
	f, err := h.fields(2, 2)
	if err != nil {
		return err
	}
	h.class, h.roster = f[0], f[1]
	return validName("class", h.class)
}

func (h *classAdd) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireFaculty(ctx); err != nil {
		return "", err
	}
	entries, err := h.readRoster(h.roster)
	if err != nil {
		return "", err
	}

	var detail string
	err = h.d.Locks.Do(ctx, h.d.Layout.ClassDir(h.ev.User, h.class), func() error {
		c, err := h.d.Store.CreateClass(ctx, h.ev.User, h.class)
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: class %s already exists", ErrConflict, h.class)
		}
		if err != nil {
			return err
		}
		enrolled, created, err := h.enroll(ctx, c, entries)
		if err != nil {
			return err
		}
		detail = fmt.Sprintf("class %s created with %s (%s)", h.class, plural(enrolled, "student"), plural(created, "new account"))
		return nil
	})
	return detail, err
}

// enroll creates missing student accounts and enrolls every roster entry in
// c. It returns how many students were newly enrolled and how many accounts
// were created.
func (b *base) enroll(ctx context.Context, c store.Class, entries []RosterEntry) (enrolled, created int, err error) {
	for _, e := range entries {
		acc, err := b.ensureAccount(ctx, e, store.RoleStudent, false)
		if err != nil {
			return enrolled, created, err
		}
		if acc.user.Role != store.RoleStudent {
			return enrolled, created, fmt.Errorf("%w: %s belongs to a faculty account", ErrConflict, e.Email)
		}
		added, err := b.d.Store.Enroll(ctx, c.ID, acc.user.Username)
		if err != nil {
			return enrolled, created, err
		}
		if acc.created {
			created++
		}
		if added {
			enrolled++
			b.welcome(ctx, acc, c.Name)
		}
	}
	return enrolled, created, nil
}

// studentsAdd handles STUDENTS_ADD <class> <csv_path>.
type studentsAdd struct {
	base
	class, roster string
}

func (h *studentsAdd) Parse() error {
	f, err := h.fields(2, 2)
	if err != nil {
		return err
	}
	h.class, h.roster = f[0], f[1]
	return validName("class", h.class)
}

func (h *studentsAdd) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireFaculty(ctx); err != nil {
		return "", err
	}
	c, err := h.lookupClass(ctx, h.class)
	if err != nil {
		return "", err
	}
	entries, err := h.readRoster(h.roster)
	if err != nil {
		return "", err
	}

	var detail string
	err = h.d.Locks.Do(ctx, h.d.Layout.ClassDir(h.ev.User, h.class), func() error {
		enrolled, created, err := h.enroll(ctx, c, entries)
		if err != nil {
			return err
		}
		detail = fmt.Sprintf("%s enrolled in %s, %d already enrolled (%s)",
			plural(enrolled, "student"), h.class, len(entries)-enrolled, plural(created, "new account"))
		return nil
	})
	return detail, err
}

// studentsRemove handles STUDENTS_REMOVE <class> <csv_path>.
type studentsRemove struct {
	base
	class, roster string
}

func (h *studentsRemove) Parse() error {
	f, err := h.fields(2, 2)
	if err != nil {
		return err
	}
	h.class, h.roster = f[0], f[1]
	return validName("class", h.class)
}

func (h *studentsRemove) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireFaculty(ctx); err != nil {
		return "", err
	}
	c, err := h.lookupClass(ctx, h.class)
	if err != nil {
		return "", err
	}
	entries, err := h.readRoster(h.roster)
	if err != nil {
		return "", err
	}

	removed := 0
	err = h.d.Locks.Do(ctx, h.d.Layout.ClassDir(h.ev.User, h.class), func() error {
		for _, e := range entries {
			u, err := h.d.Store.GetUserByEmail(ctx, e.Email)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			ok, err := h.d.Store.Unenroll(ctx, c.ID, u.Username)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			removed++
			n, err := h.d.Store.CountEnrollments(ctx, u.Username)
			if err != nil {
				return err
			}
			if n == 0 && u.Role == store.RoleStudent && h.d.Watcher != nil {
				h.d.Watcher.UnwatchUser(u.Username)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s removed from %s", plural(removed, "student"), h.class), nil
}

// studentsModify handles STUDENTS_MODIFY <class> <csv_path>. Students are
// matched by email and get the names given in the roster.
type studentsModify struct {
	base
	class, roster string
}

func (h *studentsModify) Parse() error {
	f, err := h.fields(2, 2)
	if err != nil {
		return err
	}
	h.class, h.roster = f[0], f[1]
	return validName("class", h.class)
}

func (h *studentsModify) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireFaculty(ctx); err != nil {
		return "", err
	}
	c, err := h.lookupClass(ctx, h.class)
	if err != nil {
		return "", err
	}
	entries, err := h.readRoster(h.roster)
	if err != nil {
		return "", err
	}
	students, err := h.d.Store.ListStudents(ctx, c.ID)
	if err != nil {
		return "", err
	}
	byEmail := make(map[string]store.User, len(students))
	for _, s := range students {
		byEmail[strings.ToLower(s.Email)] = s
	}

	updated, skipped := 0, 0
	for _, e := range entries {
		s, ok := byEmail[e.Email]
		if !ok {
			skipped++
			continue
		}
		if err := h.d.Store.UpdateUserName(ctx, store.UpdateUserNameParams{
			Username: s.Username, FirstName: e.FirstName, LastName: e.LastName,
		}); err != nil {
			return "", err
		}
		updated++
	}
	return fmt.Sprintf("%s updated, %d not enrolled in %s", plural(updated, "student"), skipped, h.class), nil
}

// classStatus handles CLASS_STATUS <class> <open|closed>.
type classStatus struct {
	base
	class string
	open  bool
}

func (h *classStatus) Parse() error {
	f, err := h.fields(2, 2)
	if err != nil {
		return err
	}
	h.class = f[0]
	switch f[1] {
	case "open":
		h.open = true
	case "closed":
	default:
		return fmt.Errorf("%w: status must be open or closed", ErrInvalidPayload)
	}
	return validName("class", h.class)
}

func (h *classStatus) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireFaculty(ctx); err != nil {
		return "", err
	}
	c, err := h.lookupClass(ctx, h.class)
	if err != nil {
		return "", err
	}
	if err := h.d.Store.SetClassOpen(ctx, c.ID, h.open); err != nil {
		return "", err
	}
	return fmt.Sprintf("class %s is %s", h.class, openWord(h.open)), nil
}

func openWord(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

// check handles CHECK and summarizes the caller's classes.
type check struct {
	base
}

func (h *check) Parse() error {
	_, err := h.fields(0, 0)
	return err
}

func (h *check) Handle(ctx context.Context) (string, error) {
	u, err := h.caller(ctx)
	if err != nil {
		return "", err
	}

	var parts []string
	if u.Role == store.RoleFaculty {
		classes, err := h.d.Store.ListClassesByFaculty(ctx, u.Username)
		if err != nil {
			return "", err
		}
		for _, c := range classes {
			students, err := h.d.Store.ListStudents(ctx, c.ID)
			if err != nil {
				return "", err
			}
			assignments, err := h.d.Store.ListAssignments(ctx, c.ID)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s (%s, %s, %s)",
				c.Name, openWord(c.Open), plural(len(students), "student"), plural(len(assignments), "assignment")))
		}
	} else {
		classes, err := h.d.Store.ListClassesForStudent(ctx, u.Username)
		if err != nil {
			return "", err
		}
		for _, c := range classes {
			assignments, err := h.d.Store.ListAssignments(ctx, c.ID)
			if err != nil {
				return "", err
			}
			var published []string
			for _, a := range assignments {
				if a.State == store.AssignmentPublished {
					published = append(published, a.Name)
				}
			}
			sort.Strings(published)
			parts = append(parts, fmt.Sprintf("%s/%s (%s: %s)", c.Faculty, c.Name, openWord(c.Open), listOrNone(published)))
		}
	}

	role := u.Role
	if u.IsAdmin {
		role += ", admin"
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s (%s): no classes", u.Username, role), nil
	}
	return fmt.Sprintf("%s (%s): %s", u.Username, role, strings.Join(parts, "; ")), nil
}

func listOrNone(s []string) string {
	if len(s) == 0 {
		return "no assignments"
	}
	return strings.Join(s, " ")
}
