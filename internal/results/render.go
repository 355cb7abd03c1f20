package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/selextract/scrape-engine/internal/engine"
)

// resultEnvelope is the JSON artifact layout. Field values stay nullable so
// consumers can distinguish "selector matched nothing" from empty text.
type resultEnvelope struct {
	JobID       string         `json:"job_id"`
	JobType     engine.JobType `json:"job_type"`
	Status      string         `json:"status"`
	GeneratedAt time.Time      `json:"generated_at"`
	TotalURLs   int            `json:"total_urls"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Results     []resultEntry  `json:"results"`
}

type resultEntry struct {
	URL       string             `json:"url"`
	Success   bool               `json:"success"`
	Data      map[string]*string `json:"data,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind engine.ErrorKind   `json:"error_kind,omitempty"`
	Attempts  int                `json:"attempts"`
	Pages     int                `json:"pages,omitempty"`
	ElapsedMS int64              `json:"elapsed_ms"`
	Proxy     string             `json:"proxy,omitempty"`
}

func render(
	job engine.Job,
	cfg engine.JobConfig,
	attempts []engine.ExecutionAttempt,
	status engine.JobStatus,
	generatedAt time.Time,
) (data []byte, contentType string, ext string, err error) {
	switch cfg.OutputFormat {
	case engine.FormatCSV:
		data, err = renderCSV(cfg, attempts)
		return data, "text/csv", "csv", err
	case engine.FormatXLSX:
		data, err = renderXLSX(cfg, attempts)
		return data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx", err
	default:
		data, err = renderJSON(job, cfg, attempts, status, generatedAt)
		return data, "application/json", "json", err
	}
}

func renderJSON(
	job engine.Job,
	cfg engine.JobConfig,
	attempts []engine.ExecutionAttempt,
	status engine.JobStatus,
	generatedAt time.Time,
) ([]byte, error) {
	env := resultEnvelope{
		JobID:       job.ID,
		JobType:     cfg.Type,
		Status:      string(status),
		GeneratedAt: generatedAt.UTC(),
		TotalURLs:   len(attempts),
		Results:     make([]resultEntry, 0, len(attempts)),
	}
	for _, a := range attempts {
		if a.Success {
			env.Succeeded++
		} else {
			env.Failed++
		}
		env.Results = append(env.Results, resultEntry{
			URL:       a.URL,
			Success:   a.Success,
			Data:      a.Fields,
			Error:     a.Error,
			ErrorKind: a.Kind,
			Attempts:  a.Attempts,
			Pages:     a.Pages,
			ElapsedMS: a.Elapsed.Milliseconds(),
			Proxy:     a.Proxy,
		})
	}
	return json.MarshalIndent(env, "", "  ")
}

func renderCSV(cfg engine.JobConfig, attempts []engine.ExecutionAttempt) ([]byte, error) {
	fields := fieldColumns(cfg, attempts)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{"url", "success", "attempts", "error"}, fields...)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, a := range attempts {
		row := []string{a.URL, strconv.FormatBool(a.Success), strconv.Itoa(a.Attempts), a.Error}
		for _, f := range fields {
			row = append(row, fieldText(a.Fields, f))
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderXLSX(cfg engine.JobConfig, attempts []engine.ExecutionAttempt) ([]byte, error) {
	fields := fieldColumns(cfg, attempts)

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)

	header := append([]string{"url", "success", "attempts", "error"}, fields...)
	for col, name := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return nil, err
		}
	}
	for rowIdx, a := range attempts {
		row := []interface{}{a.URL, a.Success, a.Attempts, a.Error}
		for _, field := range fields {
			row = append(row, fieldText(a.Fields, field))
		}
		for col, value := range row {
			cell, err := excelize.CoordinatesToCellName(col+1, rowIdx+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// fieldColumns returns the stable, sorted set of extracted field names. The
// configured selectors define the schema; attempt data fills gaps when a job
// predates its config (or the config was rebuilt).
func fieldColumns(cfg engine.JobConfig, attempts []engine.ExecutionAttempt) []string {
	seen := make(map[string]struct{}, len(cfg.Selectors))
	for name := range cfg.Selectors {
		seen[name] = struct{}{}
	}
	for _, a := range attempts {
		for name := range a.Fields {
			seen[name] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for name := range seen {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

func fieldText(fields map[string]*string, name string) string {
	if v, ok := fields[name]; ok && v != nil {
		return *v
	}
	return ""
}
