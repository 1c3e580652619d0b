package handlers

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/dispatch"
	"github.com/gsarma/gitgrade/internal/locks"
	"github.com/gsarma/gitgrade/internal/store"
)

// BootstrapAdmins makes sure every address in emails belongs to a faculty
// admin, creating accounts as needed. New accounts receive the welcome
// email with their password.
func BootstrapAdmins(ctx context.Context, d *Deps, emails []string) error {
	b := &base{d: d, ev: dispatch.Event{Type: "BOOTSTRAP"}}
	ctx = locks.WithOwner(ctx, "bootstrap")
	for _, addr := range emails {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		local, _, _ := strings.Cut(addr, "@")
		e := RosterEntry{LastName: local, FirstName: local, Email: addr}
		if err := validate.Struct(e); err != nil {
			return fmt.Errorf("admin %q: %w", addr, err)
		}
		acc, err := b.ensureAccount(ctx, e, store.RoleFaculty, true)
		if err != nil {
			return fmt.Errorf("admin %s: %w", addr, err)
		}
		if acc.created {
			log.WithFields(log.Fields{"user": acc.user.Username}).Info("created admin account")
			b.welcome(ctx, acc, "")
			continue
		}
		if !acc.user.IsAdmin {
			if err := d.Store.SetUserAdmin(ctx, acc.user.Username, true); err != nil {
				return fmt.Errorf("admin %s: %w", addr, err)
			}
			log.WithFields(log.Fields{"user": acc.user.Username}).Info("granted admin")
		}
	}
	return nil
}
