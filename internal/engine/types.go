// Package engine defines the core types shared across the task execution
// subsystems: job lifecycle, validated configuration, per-URL attempts,
// proxy leases, and the retry taxonomy.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobType selects the validation and execution profile for a job.
type JobType string

// Supported job types.
const (
	JobTypeSimple     JobType = "simple"
	JobTypeAdvanced   JobType = "advanced"
	JobTypeBulk       JobType = "bulk"
	JobTypeMonitoring JobType = "monitoring"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeSimple, JobTypeAdvanced, JobTypeBulk, JobTypeMonitoring:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// OutputFormat selects the rendered result artifact type.
type OutputFormat string

// Supported output formats.
const (
	FormatJSON OutputFormat = "json"
	FormatCSV  OutputFormat = "csv"
	FormatXLSX OutputFormat = "xlsx"
)

// Schedule is the recurrence requested by a monitoring job. The engine only
// validates it; evaluation belongs to the external scheduler.
type Schedule string

// Supported monitoring schedules.
const (
	ScheduleHourly Schedule = "hourly"
	ScheduleDaily  Schedule = "daily"
	ScheduleWeekly Schedule = "weekly"
)

// JobConfig is the validated, type-specific configuration of a job. It is
// immutable once validation succeeds; no component re-validates mid-run.
type JobConfig struct {
	Type         JobType           `json:"type"`
	URLs         []string          `json:"urls"`
	Selectors    map[string]string `json:"selectors"`
	OutputFormat OutputFormat      `json:"output_format"`
	PageTimeout  time.Duration     `json:"page_timeout"`
	MaxRetries   int               `json:"max_retries"`

	// Wait is an unconditional pause after navigation; WaitForSelector waits
	// for an element instead (advanced and bulk jobs only).
	Wait            time.Duration `json:"wait,omitempty"`
	WaitForSelector string        `json:"wait_for_selector,omitempty"`

	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	RateLimit     int               `json:"rate_limit,omitempty"`
	ProxyRequired bool              `json:"proxy_required,omitempty"`

	// RequestDelay spaces URL launches within one job; MaxRandomDelay adds
	// uniform jitter on top (advanced and bulk jobs only).
	RequestDelay   time.Duration `json:"request_delay,omitempty"`
	MaxRandomDelay time.Duration `json:"max_random_delay,omitempty"`
	Pagination     *Pagination   `json:"pagination,omitempty"`

	// Bulk jobs only.
	BatchSize        int `json:"batch_size,omitempty"`
	ParallelRequests int `json:"parallel_requests,omitempty"`

	// Monitoring jobs only.
	Schedule Schedule `json:"schedule,omitempty"`
}

// Pagination walks a "next" control after the first extraction of a URL.
// The walk stops at MaxPages, when the stop selector appears, or when the
// control is missing, hidden, or disabled.
type Pagination struct {
	NextSelector   string        `json:"next_selector"`
	MaxPages       int           `json:"max_pages"`
	StopSelector   string        `json:"stop_selector,omitempty"`
	WaitAfterClick time.Duration `json:"wait_after_click"`
}

// SplitSelector separates an optional "@attribute" suffix from a CSS
// selector: "a.next@href" reads the href attribute instead of the element
// text. An empty attr means text extraction.
func SplitSelector(sel string) (css, attr string) {
	if i := strings.LastIndex(sel, "@"); i >= 0 {
		return sel[:i], sel[i+1:]
	}
	return sel, ""
}

// Concurrency returns the intra-job URL concurrency cap.
func (c JobConfig) Concurrency() int {
	if c.ParallelRequests > 1 {
		return c.ParallelRequests
	}
	return 1
}

// Job is the persisted record for one submitted scraping request.
type Job struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	RawConfig    json.RawMessage `json:"config"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ComputeUnits int64           `json:"compute_units"`
	ErrorText    string          `json:"error_text,omitempty"`
	ResultURI    string          `json:"result_uri,omitempty"`
}

// ExecutionAttempt records the terminal outcome of one URL within a job.
// Fields values are nil when the selector matched nothing; that is a valid
// partial result, not an error.
type ExecutionAttempt struct {
	URL      string             `json:"url"`
	Success  bool               `json:"success"`
	Fields   map[string]*string `json:"fields,omitempty"`
	Error    string             `json:"error,omitempty"`
	Kind     ErrorKind          `json:"error_kind,omitempty"`
	Attempts int                `json:"attempts"`
	Pages    int                `json:"pages,omitempty"`
	Elapsed  time.Duration      `json:"elapsed"`
	Proxy    string             `json:"proxy,omitempty"`
}

// Proxy is one leased egress endpoint from the vendor pool.
type Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"-"`
	Password string `json:"-"`
	Country  string `json:"country,omitempty"`
}

// Addr returns the host:port pair identifying the proxy within a pool.
func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ServerURL returns the scheme-qualified address chromedp and HTTP
// transports accept.
func (p Proxy) ServerURL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// TaskMessage is the unit of work consumed from the external broker.
// Delivery is at-least-once; the idempotent finalize path makes redelivery
// safe.
type TaskMessage struct {
	JobID   string          `json:"job_id"`
	JobType JobType         `json:"job_type"`
	Config  json.RawMessage `json:"config"`
}

// DebitRecord is the compute-unit ledger entry produced when a job
// finalizes. Units accrue at one per minute of wall-clock execution,
// rounded up.
type DebitRecord struct {
	OwnerID   string    `json:"owner_id"`
	JobID     string    `json:"job_id"`
	Units     int64     `json:"units_consumed"`
	Timestamp time.Time `json:"timestamp"`
}

// ComputeUnits converts an execution duration into billable units. Every
// started minute bills a whole unit, with a floor of one for any job that
// ran at all.
func ComputeUnits(elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 1
	}
	units := int64((elapsed + time.Minute - 1) / time.Minute)
	if units < 1 {
		return 1
	}
	return units
}
