// Package taskconfig normalizes and validates raw job configurations into
// immutable engine.JobConfig values, one shape per job type.
package taskconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/selextract/scrape-engine/internal/engine"
)

// Documented bounds. Out-of-bounds values are validation errors, never
// silently clamped.
const (
	MaxURLs           = 100
	MaxSelectors      = 50
	MaxFieldNameLen   = 100
	MinTimeoutSec     = 1
	MaxTimeoutSec     = 300
	MaxWaitSec        = 60
	MaxRetriesCeil    = 10
	MaxCustomHeaders  = 20
	MaxHeaderKeyLen   = 100
	MaxHeaderValLen   = 500
	MaxRequestDelayMs = 10000
	MaxRandomDelayMs  = 5000
	MaxPagesCeil      = 100

	defaultTimeoutSec       = 30
	defaultMaxRetries       = 3
	defaultRateLimit        = 1
	defaultBatchSize        = 10
	defaultParallelReqs     = 3
	defaultMaxPages         = 10
	defaultWaitAfterClickMs = 2000
)

// selectorPattern is a conservative whitelist for CSS selectors. Anything
// outside it is rejected before reaching the automation layer.
var selectorPattern = regexp.MustCompile(`^[a-zA-Z0-9 .#\[\]()=^$*~|:>+_'",-]+$`)

// attrPattern bounds the "@attribute" extraction suffix to plain HTML
// attribute names.
var attrPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_:-]*$`)

// ValidationError names the offending field so upstream layers can produce a
// precise user-facing message.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// rawConfig is the wire shape of a job configuration. Pointer fields
// distinguish "absent" from "zero" so bounds checks only fire on values the
// user actually supplied.
type rawConfig struct {
	URLs             []string          `json:"urls"`
	Selectors        map[string]string `json:"selectors"`
	OutputFormat     string            `json:"output_format"`
	TimeoutSec       *int              `json:"timeout"`
	WaitSec          *int              `json:"wait_seconds"`
	WaitForSelector  string            `json:"wait_for_selector"`
	CustomHeaders    map[string]string `json:"custom_headers"`
	Cookies          map[string]string `json:"cookies"`
	UserAgent        string            `json:"user_agent"`
	RateLimit        *int              `json:"rate_limit"`
	ProxyRequired    *bool             `json:"proxy_required"`
	BatchSize        *int              `json:"batch_size"`
	ParallelRequests *int              `json:"parallel_requests"`
	MaxRetries       *int              `json:"max_retries"`
	RequestDelayMs   *int              `json:"request_delay_ms"`
	MaxRandomDelayMs *int              `json:"max_random_delay_ms"`
	Pagination       *rawPagination    `json:"pagination"`
	Schedule         string            `json:"schedule"`
}

// rawPagination is the wire shape of the optional pagination block.
type rawPagination struct {
	NextSelector     string `json:"next_selector"`
	MaxPages         *int   `json:"max_pages"`
	StopSelector     string `json:"stop_selector"`
	WaitAfterClickMs *int   `json:"wait_after_click_ms"`
}

// Validate parses and validates raw per the rules of jobType. It is a pure
// function: identical input always yields an identical JobConfig, and a
// failed validation reports the offending field.
func Validate(jobType engine.JobType, raw json.RawMessage) (engine.JobConfig, error) {
	if !jobType.Valid() {
		return engine.JobConfig{}, invalid("job_type", "unknown job type %q", jobType)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var rc rawConfig
	if err := dec.Decode(&rc); err != nil {
		return engine.JobConfig{}, invalid("config", "malformed configuration: %v", err)
	}

	urls, err := validateURLs(rc.URLs)
	if err != nil {
		return engine.JobConfig{}, err
	}
	if err := validateSelectors(rc.Selectors); err != nil {
		return engine.JobConfig{}, err
	}

	cfg := engine.JobConfig{
		Type:         jobType,
		URLs:         urls,
		Selectors:    rc.Selectors,
		OutputFormat: engine.FormatJSON,
		PageTimeout:  defaultTimeoutSec * time.Second,
		MaxRetries:   defaultMaxRetries,
	}

	switch rc.OutputFormat {
	case "":
	case string(engine.FormatJSON), string(engine.FormatCSV), string(engine.FormatXLSX):
		cfg.OutputFormat = engine.OutputFormat(rc.OutputFormat)
	default:
		return engine.JobConfig{}, invalid("output_format", "must be one of json, csv, xlsx")
	}

	if rc.TimeoutSec != nil {
		if *rc.TimeoutSec < MinTimeoutSec || *rc.TimeoutSec > MaxTimeoutSec {
			return engine.JobConfig{}, invalid("timeout", "must be between %d and %d seconds", MinTimeoutSec, MaxTimeoutSec)
		}
		cfg.PageTimeout = time.Duration(*rc.TimeoutSec) * time.Second
	}
	if rc.WaitSec != nil {
		if *rc.WaitSec < 0 || *rc.WaitSec > MaxWaitSec {
			return engine.JobConfig{}, invalid("wait_seconds", "must be between 0 and %d seconds", MaxWaitSec)
		}
		cfg.Wait = time.Duration(*rc.WaitSec) * time.Second
	}
	if rc.MaxRetries != nil {
		if *rc.MaxRetries < 0 || *rc.MaxRetries > MaxRetriesCeil {
			return engine.JobConfig{}, invalid("max_retries", "must be between 0 and %d", MaxRetriesCeil)
		}
		cfg.MaxRetries = *rc.MaxRetries
	}

	switch jobType {
	case engine.JobTypeSimple:
		if err := rejectAdvancedFields(rc); err != nil {
			return engine.JobConfig{}, err
		}
		if rc.Schedule != "" {
			return engine.JobConfig{}, invalid("schedule", "not allowed for simple jobs")
		}
	case engine.JobTypeAdvanced:
		if err := applyAdvancedFields(&cfg, rc); err != nil {
			return engine.JobConfig{}, err
		}
		if rc.BatchSize != nil || rc.ParallelRequests != nil {
			return engine.JobConfig{}, invalid("batch_size", "bulk-only fields not allowed for advanced jobs")
		}
		if rc.Schedule != "" {
			return engine.JobConfig{}, invalid("schedule", "not allowed for advanced jobs")
		}
	case engine.JobTypeBulk:
		if err := applyAdvancedFields(&cfg, rc); err != nil {
			return engine.JobConfig{}, err
		}
		if err := applyBulkFields(&cfg, rc); err != nil {
			return engine.JobConfig{}, err
		}
		if rc.Schedule != "" {
			return engine.JobConfig{}, invalid("schedule", "not allowed for bulk jobs")
		}
	case engine.JobTypeMonitoring:
		if err := rejectAdvancedFields(rc); err != nil {
			return engine.JobConfig{}, err
		}
		switch engine.Schedule(rc.Schedule) {
		case engine.ScheduleHourly, engine.ScheduleDaily, engine.ScheduleWeekly:
			cfg.Schedule = engine.Schedule(rc.Schedule)
		case "":
			return engine.JobConfig{}, invalid("schedule", "required for monitoring jobs")
		default:
			return engine.JobConfig{}, invalid("schedule", "must be one of hourly, daily, weekly")
		}
	}

	return cfg, nil
}

func validateURLs(urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, invalid("urls", "at least one required")
	}
	if len(urls) > MaxURLs {
		return nil, invalid("urls", "at most %d allowed, got %d", MaxURLs, len(urls))
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, invalid("urls", "%q is not an absolute URL", raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, invalid("urls", "%q must use http or https", raw)
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	return out, nil
}

func validateSelectors(selectors map[string]string) error {
	if len(selectors) == 0 {
		return invalid("selectors", "at least one required")
	}
	if len(selectors) > MaxSelectors {
		return invalid("selectors", "at most %d allowed, got %d", MaxSelectors, len(selectors))
	}
	for name, sel := range selectors {
		if name == "" || len(name) > MaxFieldNameLen {
			return invalid("selectors", "field name must be 1-%d characters", MaxFieldNameLen)
		}
		if sel == "" {
			return invalid("selectors", "selector for %q is empty", name)
		}
		css, attr := engine.SplitSelector(sel)
		if css == "" || !selectorPattern.MatchString(css) {
			return invalid("selectors", "selector for %q contains disallowed characters", name)
		}
		if strings.Contains(sel, "@") && !attrPattern.MatchString(attr) {
			return invalid("selectors", "attribute for %q is not a valid attribute name", name)
		}
	}
	return nil
}

func applyAdvancedFields(cfg *engine.JobConfig, rc rawConfig) error {
	if rc.WaitForSelector != "" {
		if !selectorPattern.MatchString(rc.WaitForSelector) {
			return invalid("wait_for_selector", "contains disallowed characters")
		}
		cfg.WaitForSelector = rc.WaitForSelector
	}
	if len(rc.CustomHeaders) > MaxCustomHeaders {
		return invalid("custom_headers", "at most %d allowed", MaxCustomHeaders)
	}
	for k, v := range rc.CustomHeaders {
		if len(k) == 0 || len(k) > MaxHeaderKeyLen || len(v) > MaxHeaderValLen {
			return invalid("custom_headers", "header %q key or value too long", k)
		}
	}
	cfg.CustomHeaders = rc.CustomHeaders
	cfg.Cookies = rc.Cookies
	cfg.UserAgent = rc.UserAgent
	cfg.RateLimit = defaultRateLimit
	if rc.RateLimit != nil {
		if *rc.RateLimit < 1 || *rc.RateLimit > 10 {
			return invalid("rate_limit", "must be between 1 and 10")
		}
		cfg.RateLimit = *rc.RateLimit
	}
	if rc.ProxyRequired != nil {
		cfg.ProxyRequired = *rc.ProxyRequired
	}
	if rc.RequestDelayMs != nil {
		if *rc.RequestDelayMs < 0 || *rc.RequestDelayMs > MaxRequestDelayMs {
			return invalid("request_delay_ms", "must be between 0 and %d", MaxRequestDelayMs)
		}
		cfg.RequestDelay = time.Duration(*rc.RequestDelayMs) * time.Millisecond
	}
	if rc.MaxRandomDelayMs != nil {
		if rc.RequestDelayMs == nil {
			return invalid("max_random_delay_ms", "requires request_delay_ms")
		}
		if *rc.MaxRandomDelayMs < 0 || *rc.MaxRandomDelayMs > MaxRandomDelayMs {
			return invalid("max_random_delay_ms", "must be between 0 and %d", MaxRandomDelayMs)
		}
		cfg.MaxRandomDelay = time.Duration(*rc.MaxRandomDelayMs) * time.Millisecond
	}
	if rc.Pagination != nil {
		p, err := validatePagination(rc.Pagination)
		if err != nil {
			return err
		}
		cfg.Pagination = p
	}
	return nil
}

func validatePagination(rp *rawPagination) (*engine.Pagination, error) {
	if rp.NextSelector == "" {
		return nil, invalid("pagination.next_selector", "required when pagination is configured")
	}
	if !selectorPattern.MatchString(rp.NextSelector) {
		return nil, invalid("pagination.next_selector", "contains disallowed characters")
	}
	p := &engine.Pagination{
		NextSelector:   rp.NextSelector,
		MaxPages:       defaultMaxPages,
		WaitAfterClick: defaultWaitAfterClickMs * time.Millisecond,
	}
	if rp.MaxPages != nil {
		if *rp.MaxPages < 1 || *rp.MaxPages > MaxPagesCeil {
			return nil, invalid("pagination.max_pages", "must be between 1 and %d", MaxPagesCeil)
		}
		p.MaxPages = *rp.MaxPages
	}
	if rp.StopSelector != "" {
		if !selectorPattern.MatchString(rp.StopSelector) {
			return nil, invalid("pagination.stop_selector", "contains disallowed characters")
		}
		p.StopSelector = rp.StopSelector
	}
	if rp.WaitAfterClickMs != nil {
		if *rp.WaitAfterClickMs < 0 || *rp.WaitAfterClickMs > MaxRequestDelayMs {
			return nil, invalid("pagination.wait_after_click_ms", "must be between 0 and %d", MaxRequestDelayMs)
		}
		p.WaitAfterClick = time.Duration(*rp.WaitAfterClickMs) * time.Millisecond
	}
	return p, nil
}

func applyBulkFields(cfg *engine.JobConfig, rc rawConfig) error {
	cfg.BatchSize = defaultBatchSize
	cfg.ParallelRequests = defaultParallelReqs
	if rc.BatchSize != nil {
		if *rc.BatchSize < 1 || *rc.BatchSize > 100 {
			return invalid("batch_size", "must be between 1 and 100")
		}
		cfg.BatchSize = *rc.BatchSize
	}
	if rc.ParallelRequests != nil {
		if *rc.ParallelRequests < 1 || *rc.ParallelRequests > 10 {
			return invalid("parallel_requests", "must be between 1 and 10")
		}
		cfg.ParallelRequests = *rc.ParallelRequests
	}
	return nil
}

func rejectAdvancedFields(rc rawConfig) error {
	switch {
	case rc.WaitForSelector != "":
		return invalid("wait_for_selector", "not allowed for this job type")
	case len(rc.CustomHeaders) > 0:
		return invalid("custom_headers", "not allowed for this job type")
	case len(rc.Cookies) > 0:
		return invalid("cookies", "not allowed for this job type")
	case rc.UserAgent != "":
		return invalid("user_agent", "not allowed for this job type")
	case rc.RateLimit != nil:
		return invalid("rate_limit", "not allowed for this job type")
	case rc.BatchSize != nil || rc.ParallelRequests != nil:
		return invalid("batch_size", "not allowed for this job type")
	case rc.RequestDelayMs != nil || rc.MaxRandomDelayMs != nil:
		return invalid("request_delay_ms", "not allowed for this job type")
	case rc.Pagination != nil:
		return invalid("pagination", "not allowed for this job type")
	}
	return nil
}
