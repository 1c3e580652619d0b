package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/dispatch"
	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/grader"
	"github.com/gsarma/gitgrade/internal/poller"
	"github.com/gsarma/gitgrade/internal/store"
)

// Sources of the numbers shown by /status. Any of them may be nil.
type (
	LogLister       interface{ Snapshot() []poller.LogStatus }
	RunnerStats     interface{ Stats() grader.Stats }
	MailStats       interface{ Stats() email.QueueStats }
	DispatcherStats interface{ Stats() dispatch.Stats }
)

// Deps are the parts of the server the API reports on.
type Deps struct {
	Store      store.Querier
	Logs       LogLister
	Runner     RunnerStats
	Mail       MailStats
	Dispatcher DispatcherStats
	// Token, when set, must be presented as a Bearer token.
	Token string
}

type Handler struct {
	deps    Deps
	started time.Time
}

type Status struct {
	Uptime     string             `json:"uptime"`
	Logs       []poller.LogStatus `json:"logs"`
	Dispatcher *dispatch.Stats    `json:"dispatcher,omitempty"`
	Runner     *grader.Stats      `json:"runner,omitempty"`
	Email      *email.QueueStats  `json:"email,omitempty"`
}

type Student struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

type Assignment struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

type Class struct {
	Faculty     string       `json:"faculty"`
	Name        string       `json:"name"`
	Open        bool         `json:"open"`
	CreatedAt   time.Time    `json:"created_at"`
	Students    []Student    `json:"students"`
	Assignments []Assignment `json:"assignments"`
}

type Result struct {
	Student    string    `json:"student"`
	Commit     string    `json:"commit"`
	Outcome    string    `json:"outcome"`
	Passed     bool      `json:"passed"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports watched logs and queue counters.
func (h *Handler) Status(c *gin.Context) {
	s := Status{Uptime: time.Since(h.started).Round(time.Second).String(), Logs: []poller.LogStatus{}}
	if h.deps.Logs != nil {
		s.Logs = h.deps.Logs.Snapshot()
	}
	if h.deps.Dispatcher != nil {
		st := h.deps.Dispatcher.Stats()
		s.Dispatcher = &st
	}
	if h.deps.Runner != nil {
		st := h.deps.Runner.Stats()
		s.Runner = &st
	}
	if h.deps.Mail != nil {
		st := h.deps.Mail.Stats()
		s.Email = &st
	}
	c.JSON(http.StatusOK, s)
}

// GetClass returns a class with its roster and assignments.
func (h *Handler) GetClass(c *gin.Context) {
	ctx := c.Request.Context()
	class, ok := h.class(c)
	if !ok {
		return
	}
	students, err := h.deps.Store.ListStudents(ctx, class.ID)
	if err != nil {
		h.internal(c, "failed to list students", err)
		return
	}
	assignments, err := h.deps.Store.ListAssignments(ctx, class.ID)
	if err != nil {
		h.internal(c, "failed to list assignments", err)
		return
	}

	resp := Class{
		Faculty:     class.Faculty,
		Name:        class.Name,
		Open:        class.Open,
		CreatedAt:   class.CreatedAt,
		Students:    make([]Student, 0, len(students)),
		Assignments: make([]Assignment, 0, len(assignments)),
	}
	for _, s := range students {
		resp.Students = append(resp.Students, Student{Username: s.Username, FirstName: s.FirstName, LastName: s.LastName, Email: s.Email})
	}
	for _, a := range assignments {
		resp.Assignments = append(resp.Assignments, Assignment{Name: a.Name, State: a.State, CreatedAt: a.CreatedAt, PublishedAt: a.PublishedAt})
	}
	c.JSON(http.StatusOK, resp)
}

// ListResults returns every recorded test run of an assignment.
func (h *Handler) ListResults(c *gin.Context) {
	ctx := c.Request.Context()
	class, ok := h.class(c)
	if !ok {
		return
	}
	a, err := h.deps.Store.GetAssignment(ctx, class.ID, c.Param("assignment"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
		return
	}
	if err != nil {
		h.internal(c, "failed to load assignment", err)
		return
	}
	rows, err := h.deps.Store.ListSubmissionResults(ctx, a.ID)
	if err != nil {
		h.internal(c, "failed to list results", err)
		return
	}
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, Result{
			Student:    r.Student,
			Commit:     r.CommitSHA,
			Outcome:    r.Outcome,
			Passed:     r.Passed,
			DurationMS: r.Duration.Milliseconds(),
			CreatedAt:  r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"assignment": a.Name, "state": a.State, "results": out})
}

func (h *Handler) class(c *gin.Context) (store.Class, bool) {
	class, err := h.deps.Store.GetClass(c.Request.Context(), c.Param("faculty"), c.Param("class"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		return store.Class{}, false
	}
	if err != nil {
		h.internal(c, "failed to load class", err)
		return store.Class{}, false
	}
	return class, true
}

func (h *Handler) internal(c *gin.Context, msg string, err error) {
	log.WithFields(log.Fields{"path": c.Request.URL.Path}).WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
