package gitgrade

import "time"

type HealthResponse struct {
	Status string `json:"status"`
}

// LogStatus is the tailing progress of one client log.
type LogStatus struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	State  string `json:"state"`
}

type DispatcherStats struct {
	Received    int64 `json:"received"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	ParseErrors int64 `json:"parse_errors"`
	Unknown     int64 `json:"unknown"`
}

type RunnerStats struct {
	Queued    int               `json:"queued"`
	Running   int64             `json:"running"`
	Processed uint64            `json:"processed"`
	Outcomes  map[string]uint64 `json:"outcomes"`
}

type EmailStats struct {
	Enqueued int64 `json:"enqueued"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Pending  int   `json:"pending"`
}

type Status struct {
	Uptime     string           `json:"uptime"`
	Logs       []LogStatus      `json:"logs"`
	Dispatcher *DispatcherStats `json:"dispatcher,omitempty"`
	Runner     *RunnerStats     `json:"runner,omitempty"`
	Email      *EmailStats      `json:"email,omitempty"`
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

// Result is one test run of a student's submission.
type Result struct {
	Student    string    `json:"student"`
	Commit     string    `json:"commit"`
	Outcome    string    `json:"outcome"`
	Passed     bool      `json:"passed"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type Results struct {
	Assignment string   `json:"assignment"`
	State      string   `json:"state"`
	Results    []Result `json:"results"`
}
