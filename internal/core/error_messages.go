package core

// error_messages.go maps technical errors to user-facing messages with codes
// that operators can quote to support.
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Job not found: the job id is unknown or its snapshot expired
//	         Action: Check the job id or submit the files again
//	JOB002 - System busy: too many jobs are running
//	         Action: Wait a moment and try again
//	JOB003 - No files: the submission contained no files
//	         Action: Attach at least one sensor log file
//	JOB004 - Collection not found: the target collection does not exist
//	         Action: Verify the collection id
//	JOB005 - Empty collection: the target collection has no sensors
//	         Action: Register sensors on the collection before importing
//
// # Format Errors (FMT001-FMT099)
//
//	FMT001 - Unsupported format: no parser accepts the file
//	         Action: Upload CSV, XLS or XLSX exports from a supported logger
//	FMT002 - Unreadable file: the file is corrupt or truncated
//	         Action: Export the file again from the logger software
//	FMT003 - Sensor unresolved: no sensor could be matched to the file
//	         Action: Include the sensor serial in the file name or pick a sensor
//	FMT004 - Missing column: a required column is absent
//	         Action: Check the export layout for the sensor type
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date
//	VAL002 - Invalid number
//	VAL003 - Required field empty
//	VAL004 - Out of range
//
// # Storage Errors (STO001-STO099)
//
//	STO001 - Storage unavailable: readings could not be written after retries
//	         Action: Submit the file again later; stored rows are not duplicated
//	STO002 - Connection refused
//	STO003 - Deadlock
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE004 - No file
//
// # Request Errors
//
//	REQ001 - Request cancelled
//	REQ002 - Request timeout
//	RATE001 - Rate limited
//
// # Default Error (ERR000)
//
// Unknown errors map to ERR000. Check the application logs for the technical
// error logged next to the request id.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages are matched with errors.Is before any text pattern.
var sentinelMessages = []sentinelMessage{
	{ErrJobNotFound, UserMessage{"Job not found", "Check the job id or submit the files again", "JOB001"}},
	{ErrTooManyJobs, UserMessage{"Too many imports in progress", "Please wait a moment and try again", "JOB002"}},
	{ErrNoFiles, UserMessage{"No files were submitted", "Attach at least one sensor log file", "JOB003"}},
	{ErrCollectionNotFound, UserMessage{"Collection not found", "Verify the collection id", "JOB004"}},
	{ErrEmptyCollection, UserMessage{"The collection has no sensors", "Register sensors on the collection before importing", "JOB005"}},
	{ErrNoParser, UserMessage{"Unsupported file format", "Upload CSV, XLS or XLSX exports from a supported logger", "FMT001"}},
	{ErrSensorUnresolved, UserMessage{"No sensor could be matched to the file", "Include the sensor serial in the file name or pick a sensor", "FMT003"}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are matched case-insensitively with strings.Contains.
// The first match wins, so specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{"rows not stored", UserMessage{"Readings could not be stored", "Submit the file again later; stored rows are not duplicated", "STO001"}},
	{"not stored", UserMessage{"Readings could not be stored", "Submit the file again later; stored rows are not duplicated", "STO001"}},
	{"connection refused", UserMessage{"Unable to connect to storage", "Please try again in a few moments", "STO002"}},
	{"deadlock", UserMessage{"Storage was busy with conflicting operations", "Please try again", "STO003"}},

	{"missing required column", UserMessage{"A required column is missing", "Check the export layout for the sensor type", "FMT004"}},
	{"cannot read", UserMessage{"The file is corrupt or unreadable", "Export the file again from the logger software", "FMT002"}},

	{"invalid date", UserMessage{"Invalid date format detected", "Use the date format configured for the sensor type", "VAL001"}},
	{"invalid number", UserMessage{"Invalid number format detected", "Use plain decimal numbers", "VAL002"}},
	{"required field", UserMessage{"Required field is empty", "Ensure every reading has a timestamp and temperature", "VAL003"}},
	{"out of range", UserMessage{"Value outside the accepted range", "Check the logger calibration and units", "VAL004"}},

	{"file too large", UserMessage{"File exceeds maximum size limit", "Split the export into smaller files", "FILE001"}},
	{"no file provided", UserMessage{"No file was selected", "Please select a sensor log file to upload", "FILE004"}},

	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "REQ001"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Please try again later", "REQ002"}},
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Sentinel errors are matched first, then text patterns, then ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	var se *StorageError
	if errors.As(err, &se) {
		return errorPatterns[0].msg
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		return UserMessage{"The file is corrupt or unreadable", "Export the file again from the logger software", "FMT002"}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
