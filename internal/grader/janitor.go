package grader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Janitor removes workspaces left behind by runs that never cleaned up,
// for example after a crash.
type Janitor struct {
	WorkDir string
	TTL     time.Duration

	cron *cron.Cron
	now  func() time.Time
}

func NewJanitor(workDir string, ttl time.Duration) *Janitor {
	return &Janitor{WorkDir: workDir, TTL: ttl, cron: cron.New(), now: time.Now}
}

// Start schedules Sweep with a cron expression such as "@hourly".
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() {
		if n, err := j.Sweep(); err != nil {
			log.WithFields(log.Fields{"workDir": j.WorkDir}).WithError(err).Warn("workspace sweep failed")
		} else if n > 0 {
			log.WithFields(log.Fields{"workDir": j.WorkDir, "removed": n}).Info("removed stale workspaces")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule workspace sweep: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep removes job workspaces older than TTL and returns how many it
// removed.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.WorkDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := j.now().Add(-j.TTL)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), WorkspacePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(j.WorkDir, e.Name())); err != nil {
			log.WithFields(log.Fields{"workspace": e.Name()}).WithError(err).Warn("failed to remove workspace")
			continue
		}
		removed++
	}
	return removed, nil
}
