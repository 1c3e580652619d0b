package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/gsarma/gitgrade/internal/crypto"
	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/store"
)

// RosterEntry is one line of a class roster CSV: last,first,email.
type RosterEntry struct {
	LastName  string `validate:"required,max=64"`
	FirstName string `validate:"required,max=64"`
	Email     string `validate:"required,email"`
}

var validate = validator.New()

// ReadRoster parses a roster CSV. A leading "last,first,email" header and
// blank lines are skipped; a repeated email keeps its first entry.
func ReadRoster(r io.Reader) ([]RosterEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []RosterEntry
	seen := make(map[string]bool)
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != 3 {
			return nil, fmt.Errorf("%w: roster line %d: want last,first,email", ErrInvalidPayload, line)
		}
		e := RosterEntry{
			LastName:  strings.TrimSpace(rec[0]),
			FirstName: strings.TrimSpace(rec[1]),
			Email:     strings.ToLower(strings.TrimSpace(rec[2])),
		}
		if first && strings.EqualFold(e.LastName, "last") && strings.EqualFold(e.FirstName, "first") && e.Email == "email" {
			continue
		}
		if err := validate.Struct(e); err != nil {
			return nil, fmt.Errorf("%w: roster line %d: %v", ErrInvalidPayload, line, err)
		}
		if seen[e.Email] {
			continue
		}
		seen[e.Email] = true
		out = append(out, e)
	}
	return out, nil
}

func (b *base) readRoster(path string) ([]RosterEntry, error) {
	p, err := b.d.Layout.ResolveUserPath(b.ev.User, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer f.Close()
	entries, err := ReadRoster(f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: roster %s is empty", ErrInvalidPayload, path)
	}
	return entries, nil
}

// SanitizeUsername derives a login name from the local part of an email.
func SanitizeUsername(addr string) string {
	local, _, _ := strings.Cut(strings.ToLower(addr), "@")
	var sb strings.Builder
	for _, r := range local {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
		}
		if sb.Len() == 24 {
			break
		}
	}
	name := sb.String()
	if name == "" {
		return "user"
	}
	if unicode.IsDigit(rune(name[0])) {
		name = "u" + name
	}
	return name
}

func (b *base) uniqueUsername(ctx context.Context, addr string) (string, error) {
	name := SanitizeUsername(addr)
	for i := 1; ; i++ {
		candidate := name
		if i > 1 {
			candidate = name + strconv.Itoa(i)
		}
		_, err := b.d.Store.GetUserByUsername(ctx, candidate)
		if errors.Is(err, store.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

type account struct {
	user     store.User
	password string
	created  bool
}

// ensureAccount returns the user registered under e.Email, creating one
// with role when none exists. Account creation is serialized on the users
// directory so two classes cannot claim the same username.
func (b *base) ensureAccount(ctx context.Context, e RosterEntry, role string, admin bool) (account, error) {
	var acc account
	err := b.d.Locks.Do(ctx, b.d.Layout.UsersDir, func() error {
		u, err := b.d.Store.GetUserByEmail(ctx, e.Email)
		if err == nil {
			acc.user = u
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		username, err := b.uniqueUsername(ctx, e.Email)
		if err != nil {
			return err
		}
		password, err := crypto.GeneratePassword(crypto.DefaultPasswordLength)
		if err != nil {
			return err
		}
		hash, err := crypto.HashPassword(password)
		if err != nil {
			return err
		}
		u, err = b.d.Store.CreateUser(ctx, store.CreateUserParams{
			Username:     username,
			FirstName:    e.FirstName,
			LastName:     e.LastName,
			Email:        e.Email,
			Role:         role,
			IsAdmin:      admin,
			PasswordHash: hash,
		})
		if err != nil {
			return fmt.Errorf("create user %s: %w", username, err)
		}
		if err := b.d.Layout.ensureUserDirs(username); err != nil {
			return fmt.Errorf("create home of %s: %w", username, err)
		}
		if b.d.Watcher != nil {
			if err := b.d.Watcher.WatchUser(ctx, username); err != nil {
				return fmt.Errorf("watch %s: %w", username, err)
			}
		}
		acc = account{user: u, password: password, created: true}
		return nil
	})
	return acc, err
}

func (b *base) welcome(ctx context.Context, acc account, class string) {
	if !acc.created {
		return
	}
	b.mail(ctx, email.TemplateWelcome, acc.user.Email, map[string]any{
		"FirstName": acc.user.FirstName,
		"Username":  acc.user.Username,
		"Password":  acc.password,
		"Class":     class,
	})
}
