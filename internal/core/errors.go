package core

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrTooManyJobs        = errors.New("too many concurrent jobs, please try again later")
	ErrNoFiles            = errors.New("no files provided")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrEmptyCollection    = errors.New("collection has no sensors")
	ErrNoParser           = errors.New("unsupported file format")
	ErrSensorUnresolved   = errors.New("could not resolve sensor for file")
	ErrNeedsFallback      = errors.New("format requires the legacy converter")
	ErrMissingColumn      = errors.New("missing required column")
)

// FormatError reports that a file could not be opened or read by a parser.
type FormatError struct {
	Parser string
	File   string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: cannot read %q: %v", e.Parser, e.File, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErr(parser, file string, err error) error {
	return &FormatError{Parser: parser, File: file, Err: err}
}

// StorageError reports a batch that could not be persisted after retries.
type StorageError struct {
	FirstRow int
	LastRow  int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("rows %d-%d not stored: %v", e.FirstRow, e.LastRow, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsFormatError reports whether err is, or wraps, a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
