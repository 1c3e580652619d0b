package grader

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/logfile"
	"github.com/gsarma/gitgrade/internal/store"
)

const (
	// ResultsLogName is the per-assignment result log inside the assignment
	// directory.
	ResultsLogName = "results.log"
	// ResultEvent is the event type of result log records.
	ResultEvent = "RESULT"
)

// Mailer queues an email for delivery.
type Mailer interface {
	Enqueue(ctx context.Context, msg email.Message) (string, error)
}

// MailReporter records each result in the assignment's results log and the
// store, then mails it to the student.
type MailReporter struct {
	Store  store.Querier
	Mailer Mailer
	From   string
}

var _ Reporter = (*MailReporter)(nil)

func (m *MailReporter) Report(ctx context.Context, res Result) {
	sub := res.Submission
	fields := log.Fields{"submission": sub.ID, "student": sub.Student}

	w := logfile.NewWriter(filepath.Join(sub.AssignmentDir, ResultsLogName))
	line := fmt.Sprintf("%s %s %s %s", sub.Student, res.Outcome, res.Duration.Round(time.Millisecond), commitOrNone(sub.Commit))
	if err := w.Append(ResultEvent, line); err != nil {
		log.WithFields(fields).WithError(err).Error("failed to append result")
	}

	if m.Store != nil && sub.AssignmentID != "" {
		_, err := m.Store.InsertSubmissionResult(ctx, store.InsertSubmissionResultParams{
			AssignmentID: sub.AssignmentID,
			Student:      sub.Student,
			CommitSHA:    sub.Commit,
			Outcome:      string(res.Outcome),
			Passed:       res.Passed,
			Duration:     res.Duration,
		})
		if err != nil {
			log.WithFields(fields).WithError(err).Error("failed to store result")
		}
	}

	if m.Mailer == nil || m.Store == nil {
		return
	}
	user, err := m.Store.GetUserByUsername(ctx, sub.Student)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("no address for result email")
		return
	}
	msg, err := email.Compose(email.TemplateSubmissionResult, m.From, []string{user.Email}, map[string]any{
		"FirstName":  user.FirstName,
		"Class":      sub.Class,
		"Assignment": sub.Assignment,
		"Commit":     commitOrNone(sub.Commit),
		"Outcome":    string(res.Outcome),
		"Duration":   res.Duration.Round(time.Millisecond).String(),
	})
	if err != nil {
		log.WithFields(fields).WithError(err).Error("failed to compose result email")
		return
	}
	msg.Attachments = append(msg.Attachments, email.Attachment{
		Filename:    "output.txt",
		ContentType: "text/plain; charset=utf-8",
		Content:     []byte(res.Output),
	})
	if _, err := m.Mailer.Enqueue(ctx, msg); err != nil {
		log.WithFields(fields).WithError(err).Error("failed to queue result email")
	}
}

func commitOrNone(c string) string {
	if c == "" {
		return "HEAD"
	}
	return c
}
