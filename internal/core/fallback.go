package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Converter defaults.
const (
	DefaultConverterBin     = "python3"
	DefaultConverterTimeout = 20 * time.Second

	converterParser    = "legacy-converter"
	maxConverterLine   = 1 << 20
	maxConverterStderr = 4 << 10
)

// ConvertOptions selects what the converter reads.
type ConvertOptions struct {
	Sheet string
}

// LegacyConverter reads files the native parsers cannot open.
type LegacyConverter interface {
	Convert(ctx context.Context, meta FileMeta, opts ConvertOptions) (RowReader, error)
}

// ExecConverter runs an external program that prints one JSON object per
// line: {"timestamp", "temperature", "humidity"} for readings or {"error"}
// for rows it could not read.
type ExecConverter struct {
	Bin     string
	Script  string
	Timeout time.Duration
}

// NewExecConverter applies defaults for an empty bin or zero timeout.
func NewExecConverter(bin, script string, timeout time.Duration) *ExecConverter {
	if bin == "" {
		bin = DefaultConverterBin
	}
	if timeout <= 0 {
		timeout = DefaultConverterTimeout
	}
	return &ExecConverter{Bin: bin, Script: script, Timeout: timeout}
}

type converterLine struct {
	Timestamp   *string  `json:"timestamp"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Error       string   `json:"error"`
}

// Convert starts the converter and streams its rows. A start failure,
// timeout or non-zero exit is a *FormatError: from Convert when the converter
// ends within the first two lines of output, from Next otherwise.
func (c *ExecConverter) Convert(ctx context.Context, meta FileMeta, opts ConvertOptions) (RowReader, error) {
	if c.Script == "" {
		return nil, formatErr(converterParser, meta.FileName, errors.New("no converter script configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)

	args := []string{c.Script, meta.AbsolutePath}
	if opts.Sheet != "" {
		args = append(args, opts.Sheet)
	}
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	cmd.WaitDelay = time.Second

	stderr := &limitedBuffer{limit: maxConverterStderr}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, formatErr(converterParser, meta.FileName, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, formatErr(converterParser, meta.FileName, err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxConverterLine)
	r := &converterReader{
		ctx:     ctx,
		cancel:  cancel,
		cmd:     cmd,
		sc:      sc,
		stderr:  stderr,
		file:    meta.FileName,
		timeout: c.Timeout,
	}

	// A file-level failure is a single {"error"} line followed by a non-zero
	// exit, so two lines of lookahead tell it apart from a row error.
	for len(r.pending) < 2 && r.scan() {
	}
	if r.eof {
		if err := r.wait(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// converterReader reads converter output one line at a time while the
// process runs. Only the lookahead rows are held in memory.
type converterReader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	sc      *bufio.Scanner
	stderr  *limitedBuffer
	file    string
	timeout time.Duration

	pending  []RawRow
	line     int
	seen     bool
	firstErr string
	scanErr  error
	eof      bool
	waited   bool
	waitErr  error
}

func (r *converterReader) Header() []string { return ConverterHeader }

func (r *converterReader) Next() (RawRow, error) {
	for len(r.pending) == 0 {
		if !r.eof && r.scan() {
			continue
		}
		if err := r.wait(); err != nil {
			return RawRow{}, err
		}
		return RawRow{}, io.EOF
	}
	row := r.pending[0]
	r.pending = r.pending[1:]
	return row, nil
}

// Progress is unknown until the converter exits; output lines do not map to
// input bytes.
func (r *converterReader) Progress() float64 {
	if r.waited && len(r.pending) == 0 {
		return 1
	}
	return 0
}

// Close stops a converter that is still running.
func (r *converterReader) Close() error {
	if r.waited {
		return nil
	}
	r.waited = true
	r.cancel()
	_ = r.cmd.Wait()
	return nil
}

// scan queues the next non-empty line. It reports false at end of output.
func (r *converterReader) scan() bool {
	for r.sc.Scan() {
		r.line++
		text := bytes.TrimSpace(r.sc.Bytes())
		if len(text) == 0 {
			continue
		}
		row := converterRow(r.line, text)
		if !r.seen {
			r.seen = true
			r.firstErr = row.Err
		}
		r.pending = append(r.pending, row)
		return true
	}
	r.eof = true
	if err := r.sc.Err(); err != nil {
		r.scanErr = fmt.Errorf("read converter output: %w", err)
	}
	return false
}

// wait reaps the process once and maps how it ended to a *FormatError.
func (r *converterReader) wait() error {
	if r.waited {
		return r.waitErr
	}
	r.waited = true
	if r.scanErr != nil {
		// Unread output would block the converter until the timeout.
		r.cancel()
	}
	err := r.cmd.Wait()
	timedOut := r.ctx.Err() == context.DeadlineExceeded
	r.cancel()

	switch {
	case timedOut:
		r.waitErr = formatErr(converterParser, r.file, fmt.Errorf("timed out after %s", r.timeout))
	case r.scanErr != nil:
		r.waitErr = formatErr(converterParser, r.file, r.scanErr)
	case err != nil:
		msg := strings.TrimSpace(r.stderr.String())
		if r.firstErr != "" && r.firstErr != malformedConverterLine {
			msg = r.firstErr
		}
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		r.waitErr = formatErr(converterParser, r.file, err)
	}
	return r.waitErr
}

const malformedConverterLine = "malformed converter output"

// converterRow turns one JSON line into a raw row indexed by line.
func converterRow(line int, text []byte) RawRow {
	var cl converterLine
	if err := json.Unmarshal(text, &cl); err != nil {
		return RawRow{Index: line, Err: malformedConverterLine}
	}
	if cl.Error != "" {
		return RawRow{Index: line, Err: cl.Error}
	}

	cells := []Cell{{Kind: CellEmpty}, {Kind: CellEmpty}, {Kind: CellEmpty}}
	if cl.Timestamp != nil {
		cells[0] = StringCell(*cl.Timestamp)
	}
	if cl.Temperature != nil {
		cells[1] = NumberCell(*cl.Temperature)
	}
	if cl.Humidity != nil {
		cells[2] = NumberCell(*cl.Humidity)
	}
	return RawRow{Index: line, Cells: cells}
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
