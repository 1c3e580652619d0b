package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gsarma/gitgrade/internal/crypto"
	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/store"
)

// passwd handles PASSWD <username>. Admins may reset anyone; faculty may
// reset themselves and students of their classes.
type passwd struct {
	base
	target string
}

func (h *passwd) Parse() error {
	f, err := h.fields(1, 1)
	if err != nil {
		return err
	}
	h.target = f[0]
	return validName("user", h.target)
}

func (h *passwd) Handle(ctx context.Context) (string, error) {
	caller, err := h.caller(ctx)
	if err != nil {
		return "", err
	}
	target, err := h.user(ctx, h.target)
	if err != nil {
		return "", err
	}
	if err := h.mayReset(ctx, caller, target); err != nil {
		return "", err
	}

	password, err := crypto.GeneratePassword(crypto.DefaultPasswordLength)
	if err != nil {
		return "", err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return "", err
	}
	if err := h.d.Store.SetUserPassword(ctx, target.Username, hash); err != nil {
		return "", err
	}
	h.mail(ctx, email.TemplatePasswordReset, target.Email, map[string]any{
		"FirstName": target.FirstName,
		"Username":  target.Username,
		"Password":  password,
	})
	return fmt.Sprintf("password of %s reset and emailed", target.Username), nil
}

func (h *passwd) mayReset(ctx context.Context, caller, target store.User) error {
	if caller.IsAdmin || caller.Username == target.Username {
		return nil
	}
	if caller.Role != store.RoleFaculty || target.Role != store.RoleStudent {
		return fmt.Errorf("%w: cannot reset the password of %s", ErrPermission, target.Username)
	}
	classes, err := h.d.Store.ListClassesForStudent(ctx, target.Username)
	if err != nil {
		return err
	}
	for _, c := range classes {
		if c.Faculty == caller.Username {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not in any of your classes", ErrPermission, target.Username)
}

func (b *base) user(ctx context.Context, username string) (store.User, error) {
	u, err := b.d.Store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return u, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	return u, err
}

// facultyAdd handles FACULTY_ADD <last> <first> <email> [admin].
type facultyAdd struct {
	base
	entry RosterEntry
	admin bool
}

func (h *facultyAdd) Parse() error {
	f, err := h.fields(3, 4)
	if err != nil {
		return err
	}
	h.entry = RosterEntry{LastName: f[0], FirstName: f[1], Email: strings.ToLower(f[2])}
	if len(f) == 4 {
		if f[3] != "admin" {
			return fmt.Errorf("%w: fourth argument must be \"admin\"", ErrInvalidPayload)
		}
		h.admin = true
	}
	if err := validate.Struct(h.entry); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (h *facultyAdd) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireAdmin(ctx); err != nil {
		return "", err
	}
	if _, err := h.d.Store.GetUserByEmail(ctx, h.entry.Email); err == nil {
		return "", fmt.Errorf("%w: %s already has an account", ErrConflict, h.entry.Email)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	acc, err := h.ensureAccount(ctx, h.entry, store.RoleFaculty, h.admin)
	if err != nil {
		return "", err
	}
	if !acc.created {
		return "", fmt.Errorf("%w: %s already has an account", ErrConflict, h.entry.Email)
	}
	h.welcome(ctx, acc, "")
	kind := "faculty"
	if h.admin {
		kind = "faculty admin"
	}
	return fmt.Sprintf("%s account %s created", kind, acc.user.Username), nil
}

// adminChange handles ADMIN_PROMOTE and ADMIN_DEMOTE <username>.
type adminChange struct {
	base
	target string
	grant  bool
}

func (h *adminChange) Parse() error {
	f, err := h.fields(1, 1)
	if err != nil {
		return err
	}
	h.target = f[0]
	return validName("user", h.target)
}

func (h *adminChange) Handle(ctx context.Context) (string, error) {
	if _, err := h.requireAdmin(ctx); err != nil {
		return "", err
	}
	var detail string
	// Serialized so two demotions cannot both see a second admin.
	err := h.d.Locks.Do(ctx, h.d.Layout.UsersDir, func() error {
		target, err := h.user(ctx, h.target)
		if err != nil {
			return err
		}
		if target.IsAdmin == h.grant {
			if h.grant {
				return fmt.Errorf("%w: %s is already an admin", ErrConflict, target.Username)
			}
			return fmt.Errorf("%w: %s is not an admin", ErrConflict, target.Username)
		}
		if !h.grant {
			n, err := h.d.Store.CountAdmins(ctx)
			if err != nil {
				return err
			}
			if n <= 1 {
				return fmt.Errorf("%w: cannot demote the last admin", ErrConflict)
			}
		}
		if err := h.d.Store.SetUserAdmin(ctx, target.Username, h.grant); err != nil {
			return err
		}
		if h.grant {
			detail = target.Username + " is now an admin"
		} else {
			detail = target.Username + " is no longer an admin"
		}
		return nil
	})
	return detail, err
}
