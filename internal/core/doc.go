// Package core provides the ingestion pipeline for temperature and humidity
// logger exports.
//
// This package has no transport or storage dependencies. The HTTP server,
// the ingestctl CLI and the tests drive it through [Service] and plug in
// storage through the [Dependencies] interfaces.
//
// # Architecture
//
// A job moves every submitted file through the same stages:
//
//  1. [SampleFile] and [DetectFormat] classify the file by extension, magic
//     bytes, vendor hints and header keywords.
//  2. The [ParserRegistry] picks the first [Parser] whose Detect accepts the
//     file. Parsers stream [RawRow] values through a [RowReader]; CSV input
//     is wrapped with BOM skipping and UTF-8 sanitization first.
//  3. When the chosen parser cannot open the file, a configured
//     [LegacyConverter] gets one attempt before the file is failed.
//  4. A [RowValidator] built from the sensor's [ColumnLayout] turns raw rows
//     into [NormalizedRow] values or [RowError] entries.
//  5. Accepted rows are flushed to the [Writer] in chunks. Writers must be
//     idempotent so a resubmitted file inserts nothing new.
//
// # Jobs and Progress
//
// [Service.Submit] waits for a slot in the [JobLimiter] and returns a job id
// immediately; processing happens in the background. Progress is published
// three ways:
//
//   - [Service.SubscribeProgress] streams snapshots to in-process listeners.
//   - The [ProgressTracker] keeps the latest snapshot for polling clients.
//   - The [JobStore] keeps the full job, including per-file results and
//     history of finished jobs.
//
// Tracker and store failures are logged and never fail a job.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Codes
// are grouped by prefix:
//
//   - JOB001-JOB005: job lifecycle (unknown job, busy, no files, collection)
//   - FMT001-FMT004: file format and sensor resolution
//   - VAL001-VAL004: row validation
//   - STO001-STO003: storage after retries
//   - FILE, REQ and RATE codes: request-level problems raised by the server
package core
