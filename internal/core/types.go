package core

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// FileMeta describes one input file. Created at intake and never mutated.
type FileMeta struct {
	FileName     string `json:"fileName"`
	Extension    string `json:"extension"` // lower-case, no dot
	SizeBytes    int64  `json:"sizeBytes"`
	AbsolutePath string `json:"-"`
	MimeType     string `json:"mimeType,omitempty"`
}

// NewFileMeta builds a FileMeta from an original file name and its stored location.
func NewFileMeta(fileName, absolutePath string, size int64, mimeType string) FileMeta {
	return FileMeta{
		FileName:     fileName,
		Extension:    strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), "."),
		SizeBytes:    size,
		AbsolutePath: absolutePath,
		MimeType:     mimeType,
	}
}

// CellKind tags the value held by a Cell.
type CellKind int

const (
	CellEmpty CellKind = iota
	CellString
	CellNumber
	CellDate
)

func (k CellKind) String() string {
	switch k {
	case CellString:
		return "string"
	case CellNumber:
		return "number"
	case CellDate:
		return "date"
	default:
		return "empty"
	}
}

// Cell is one value read by a parser. Only the field matching Kind is meaningful.
type Cell struct {
	Kind CellKind
	Str  string
	Num  float64
	Time time.Time
}

// StringCell returns a string cell, or an empty cell for blank input.
func StringCell(s string) Cell {
	if strings.TrimSpace(s) == "" {
		return Cell{Kind: CellEmpty}
	}
	return Cell{Kind: CellString, Str: s}
}

// NumberCell returns a numeric cell.
func NumberCell(f float64) Cell {
	return Cell{Kind: CellNumber, Num: f}
}

// DateCell returns a date cell.
func DateCell(t time.Time) Cell {
	return Cell{Kind: CellDate, Time: t}
}

// IsEmpty reports whether the cell carries no value.
func (c Cell) IsEmpty() bool {
	return c.Kind == CellEmpty || (c.Kind == CellString && strings.TrimSpace(c.Str) == "")
}

// Text renders the cell for error messages and raw-field capture.
func (c Cell) Text() string {
	switch c.Kind {
	case CellString:
		return c.Str
	case CellNumber:
		return formatFloat(c.Num)
	case CellDate:
		return c.Time.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

// RawRow is one physical row yielded by a parser.
type RawRow struct {
	Index int    // 1-based physical row number in the source
	Cells []Cell
	Err   string // set when an external converter reported the row as unreadable
}

// IsEmpty reports whether every cell in the row is empty.
func (r RawRow) IsEmpty() bool {
	if r.Err != "" {
		return false
	}
	for _, c := range r.Cells {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}

// Fields renders all cells as text.
func (r RawRow) Fields() []string {
	out := make([]string, len(r.Cells))
	for i, c := range r.Cells {
		out[i] = c.Text()
	}
	return out
}

// NormalizedRow is one accepted measurement. Only the RowValidator constructs it.
type NormalizedRow struct {
	SensorID       string    `json:"sensorId"`
	SensorSerial   string    `json:"sensorSerial"`
	Timestamp      time.Time `json:"timestamp"`
	TemperatureC   float64   `json:"temperatureC"`
	HumidityPct    *float64  `json:"humidityPct,omitempty"`
	SourceRowIndex int       `json:"sourceRowIndex"`
	FileName       string    `json:"fileName"`
	RawFields      []string  `json:"rawFields,omitempty"`
}

// ErrorCategory classifies a RowError.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryFormat        ErrorCategory = "format"
	CategoryDataIntegrity ErrorCategory = "data-integrity"
	CategoryStorage       ErrorCategory = "storage"
)

// RowError is one rejected row, or a file-level problem reported against row 0.
type RowError struct {
	RowIndex int           `json:"rowIndex"`
	Field    string        `json:"field,omitempty"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
}

func (e RowError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

// RowWarning flags an accepted row with an implausible value.
type RowWarning struct {
	RowIndex int    `json:"rowIndex"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

// FileProcessingResult is the outcome of one input file.
type FileProcessingResult struct {
	FileName         string       `json:"fileName"`
	Success          bool         `json:"success"`
	SensorID         *string      `json:"sensorId"`
	Parser           string       `json:"parser,omitempty"`
	UsedFallback     bool         `json:"usedFallback,omitempty"`
	RecordsProcessed int          `json:"recordsProcessed"`
	RecordsFailed    int          `json:"recordsFailed"`
	RecordsInserted  int          `json:"recordsInserted"`
	RecordsSkipped   int          `json:"recordsSkipped"`
	Errors           []RowError   `json:"errors"`
	ErrorsTruncated  bool         `json:"errorsTruncated,omitempty"`
	Warnings         []RowWarning `json:"warnings,omitempty"`
	ProcessingTimeMs int64        `json:"processingTimeMs"`
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatistics aggregates file results.
type JobStatistics struct {
	TotalFiles       int `json:"totalFiles"`
	ProcessedFiles   int `json:"processedFiles"`
	TotalRecords     int `json:"totalRecords"`
	FailedRecords    int `json:"failedRecords"`
	InsertedRecords  int `json:"insertedRecords"`
	DuplicateRecords int `json:"duplicateRecords"`
}

// Job is one asynchronous unit of work against a sensor collection.
type Job struct {
	ID                 string                 `json:"id"`
	Status             JobStatus              `json:"status"`
	CollectionID       string                 `json:"collectionId"`
	SensorID           string                 `json:"sensorId,omitempty"`
	CreatedBy          string                 `json:"createdBy"`
	CreatedAt          time.Time              `json:"createdAt"`
	StartedAt          *time.Time             `json:"startedAt,omitempty"`
	FinishedAt         *time.Time             `json:"finishedAt,omitempty"`
	Files              []FileMeta             `json:"files"`
	Results            []FileProcessingResult `json:"results"`
	Statistics         JobStatistics          `json:"statistics"`
	ProgressPercentage int                    `json:"progressPercentage"`
	Error              string                 `json:"error,omitempty"`
}

// JobSummary is the history view of a finished job.
type JobSummary struct {
	ID           string        `json:"id"`
	Status       JobStatus     `json:"status"`
	CollectionID string        `json:"collectionId"`
	CreatedBy    string        `json:"createdBy"`
	CreatedAt    time.Time     `json:"createdAt"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	Statistics   JobStatistics `json:"statistics"`
	Error        string        `json:"error,omitempty"`
}

// Summary returns the history view of the job.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:           j.ID,
		Status:       j.Status,
		CollectionID: j.CollectionID,
		CreatedBy:    j.CreatedBy,
		CreatedAt:    j.CreatedAt,
		FinishedAt:   j.FinishedAt,
		Statistics:   j.Statistics,
		Error:        j.Error,
	}
}

// ProgressSnapshot is the externally visible progress of a job.
type ProgressSnapshot struct {
	JobID            string    `json:"jobId"`
	Status           JobStatus `json:"status"`
	Percentage       int       `json:"percentage"`
	Processed        int       `json:"processed"`
	Total            int       `json:"total"`
	CurrentFile      string    `json:"currentFile,omitempty"`
	RecordsProcessed int       `json:"recordsProcessed"`
	RecordsFailed    int       `json:"recordsFailed"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Sensor is a physical logger that readings are attributed to.
type Sensor struct {
	ID           string        `json:"id"`
	SerialNumber string        `json:"serialNumber"`
	Model        string        `json:"model,omitempty"`
	TypeName     string        `json:"typeName,omitempty"`
	Layout       *ColumnLayout `json:"layout,omitempty"`
	ValidFrom    *time.Time    `json:"validFrom,omitempty"`
	ValidTo      *time.Time    `json:"validTo,omitempty"`
}

// Collection is the target set of sensors a job ingests into.
type Collection struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Sensors []Sensor `json:"sensors"`
}

// WriteResult reports how many records of a batch were stored.
type WriteResult struct {
	Inserted int
	Skipped  int
}

// Writer persists normalized rows idempotently.
type Writer interface {
	WriteBatch(ctx context.Context, rows []NormalizedRow) (WriteResult, error)
}

// Catalog resolves collections and sensor layouts.
type Catalog interface {
	Collection(ctx context.Context, id string) (*Collection, error)
}

// LayoutSource provides configured layouts by sensor type name or vendor.
type LayoutSource interface {
	LayoutFor(typeName, vendor string) (ColumnLayout, bool)
}

// JobStore persists job snapshots so status survives restarts.
type JobStore interface {
	Save(ctx context.Context, job *Job, ttl time.Duration) error
	Load(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit int) ([]JobSummary, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// Locker serializes jobs that target the same collection.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
