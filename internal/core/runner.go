package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// jobContext is what every file of a job shares.
type jobContext struct {
	collection *Collection
	sensors    sensorIndex
	sensorID   string
	log        *slog.Logger
}

// normalizeFunc turns a raw row into a stored row or a row error.
type normalizeFunc func(RawRow, RowContext) (NormalizedRow, *RowError)

// runJob drives a job from pending to a terminal status. Only the job-wide
// preconditions fail the job; file problems end up in the file's result.
func (s *Service) runJob(ctx context.Context, aj *activeJob, req SubmitRequest) {
	start := time.Now()
	bg := context.WithoutCancel(ctx)
	log := slog.With("job_id", aj.job.ID, "collection_id", req.CollectionID)

	aj.mu.Lock()
	startedAt := s.deps.Clock().UTC()
	aj.job.Status = JobProcessing
	aj.job.StartedAt = &startedAt
	aj.mu.Unlock()
	s.persist(bg, aj, s.opts.RunningTTL)
	s.publish(bg, aj)

	if len(req.Files) == 0 {
		log.Warn("job has no files")
		s.finish(aj, JobFailed, ErrNoFiles.Error())
		return
	}

	coll, err := s.deps.Catalog.Collection(ctx, req.CollectionID)
	if err != nil {
		log.Error("collection lookup failed", "error", err)
		s.finish(aj, JobFailed, err.Error())
		return
	}
	if len(coll.Sensors) == 0 {
		log.Warn("collection has no sensors")
		s.finish(aj, JobFailed, ErrEmptyCollection.Error())
		return
	}

	if s.opts.SerializeCollections && s.deps.Locker != nil {
		unlock, err := s.deps.Locker.Lock(ctx, "collection:"+coll.ID)
		if err != nil {
			log.Error("collection lock failed", "error", err)
			s.finish(aj, JobFailed, fmt.Sprintf("acquire collection lock: %v", err))
			return
		}
		defer unlock()
	}

	jc := &jobContext{
		collection: coll,
		sensors:    newSensorIndex(coll),
		sensorID:   req.SensorID,
		log:        log,
	}

	if s.opts.FileWorkers > 1 && len(req.Files) > 1 {
		var g errgroup.Group
		g.SetLimit(s.opts.FileWorkers)
		for i, meta := range req.Files {
			i, meta := i, meta
			g.Go(func() error {
				s.record(bg, aj, i, s.processFile(ctx, aj, jc, i, meta))
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, meta := range req.Files {
			s.record(bg, aj, i, s.processFile(ctx, aj, jc, i, meta))
		}
	}

	s.finish(aj, JobCompleted, "")

	aj.mu.Lock()
	stats := aj.job.Statistics
	aj.mu.Unlock()
	log.Info("job completed",
		"files", stats.ProcessedFiles,
		"records", humanize.Comma(int64(stats.TotalRecords)),
		"inserted", humanize.Comma(int64(stats.InsertedRecords)),
		"duplicates", humanize.Comma(int64(stats.DuplicateRecords)),
		"failed", humanize.Comma(int64(stats.FailedRecords)),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// processFile turns every outcome of one file, panics included, into a result.
func (s *Service) processFile(ctx context.Context, aj *activeJob, jc *jobContext, idx int, meta FileMeta) FileProcessingResult {
	start := time.Now()
	log := jc.log.With("file", meta.FileName)
	res := FileProcessingResult{FileName: meta.FileName, Success: true, Errors: []RowError{}}

	s.setCurrentFile(ctx, aj, idx, meta.FileName)

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in file", "panic", r)
				failFile(&res, CategoryFormat, fmt.Sprintf("internal error: %v", r))
			}
		}()
		s.ingestFile(ctx, aj, jc, idx, meta, &res, log)
	}()

	res.ProcessingTimeMs = time.Since(start).Milliseconds()
	log.Info("file processed",
		"success", res.Success,
		"parser", res.Parser,
		"fallback", res.UsedFallback,
		"size", humanize.Bytes(uint64(max(meta.SizeBytes, 0))),
		"processed", res.RecordsProcessed,
		"inserted", res.RecordsInserted,
		"skipped", res.RecordsSkipped,
		"failed", res.RecordsFailed,
		"duration_ms", res.ProcessingTimeMs,
	)
	return res
}

func (s *Service) ingestFile(ctx context.Context, aj *activeJob, jc *jobContext, idx int, meta FileMeta, res *FileProcessingResult, log *slog.Logger) {
	if err := ctx.Err(); err != nil {
		failFile(res, CategoryFormat, "processing interrupted: "+err.Error())
		return
	}

	sample, err := SampleFile(meta.AbsolutePath, SampleSize)
	if err != nil {
		failFile(res, CategoryFormat, fmt.Sprintf("cannot read file: %v", err))
		return
	}
	det := DetectFormat(meta, sample)
	log.Debug("format detected", "format", det.Format, "vendor", det.Vendor, "score", det.Score)

	sensor, rerr := jc.resolveSensor(meta)
	if rerr != nil {
		res.Success = false
		res.Errors = append(res.Errors, *rerr)
		return
	}
	if sensor != nil {
		id := sensor.ID
		res.SensorID = &id
	}
	layout := s.resolveLayout(sensor, det.Vendor)

	parser, ok := s.deps.Registry.Find(meta, sample)
	if !ok {
		ext := meta.Extension
		if ext == "" {
			ext = "(none)"
		}
		failFile(res, CategoryFormat, fmt.Sprintf("%v: extension %q, content %s", ErrNoParser, ext, SniffMIME(sample)))
		return
	}
	res.Parser = parser.Name()

	reader, err := parser.Parse(ctx, meta, ParseOptions{
		StartRow:            layout.StartRow,
		Sheet:               layout.Sheet,
		Vendor:              det.Vendor,
		ChunkSize:           s.opts.ChunkSize,
		MaxHeaderSearchRows: s.opts.MaxHeaderSearchRows,
	})
	if err != nil {
		if s.deps.Converter != nil && needsFallback(parser, err) {
			log.Info("using legacy converter", "parser", parser.Name(), "reason", err)
			s.processLegacyFile(ctx, aj, jc, idx, meta, sensor, layout, det.Vendor, res)
			return
		}
		failFile(res, CategoryFormat, err.Error())
		return
	}
	defer reader.Close()

	validator, err := NewRowValidator(layout, reader.Header())
	if err != nil {
		failFile(res, CategoryFormat, err.Error())
		return
	}
	if sensor == nil && !validator.HasSensorColumn() {
		failFile(res, CategoryDataIntegrity, ErrSensorUnresolved.Error())
		return
	}

	s.consume(ctx, aj, idx, reader, parser.Normalize, s.rowContext(jc, meta, sensor, validator, res), res)
}

// processLegacyFile reads a file through the external converter. The
// converter never reports sensors, so the file must resolve to one.
func (s *Service) processLegacyFile(ctx context.Context, aj *activeJob, jc *jobContext, idx int, meta FileMeta, sensor *Sensor, layout ColumnLayout, vendor string, res *FileProcessingResult) {
	res.UsedFallback = true
	res.Parser = converterParser

	if sensor == nil {
		failFile(res, CategoryDataIntegrity, ErrSensorUnresolved.Error())
		return
	}

	sheet := layout.Sheet
	if sheet == "" {
		sheet = VendorSheet(vendor)
	}
	reader, err := s.deps.Converter.Convert(ctx, meta, ConvertOptions{Sheet: sheet})
	if err != nil {
		failFile(res, CategoryFormat, err.Error())
		return
	}
	defer reader.Close()

	cl := ConverterLayout
	cl.TemperatureMin, cl.TemperatureMax = layout.TemperatureMin, layout.TemperatureMax
	cl.HumidityMin, cl.HumidityMax = layout.HumidityMin, layout.HumidityMax
	validator, err := NewRowValidator(cl, reader.Header())
	if err != nil {
		failFile(res, CategoryFormat, err.Error())
		return
	}

	normalize := func(raw RawRow, rctx RowContext) (NormalizedRow, *RowError) {
		return normalizeRow(raw, rctx, false)
	}
	s.consume(ctx, aj, idx, reader, normalize, s.rowContext(jc, meta, sensor, validator, res), res)
}

// needsFallback reports whether a parse failure should be retried through
// the legacy converter.
func needsFallback(p Parser, err error) bool {
	if errors.Is(err, ErrNeedsFallback) {
		return true
	}
	switch p.Name() {
	case FormatXLS, FormatXLSX:
		return IsFormatError(err)
	}
	return false
}

func (s *Service) rowContext(jc *jobContext, meta FileMeta, sensor *Sensor, v *RowValidator, res *FileProcessingResult) RowContext {
	return RowContext{
		FileName:  meta.FileName,
		Sensor:    sensor,
		Sensors:   jc.sensors.bySerial,
		Validator: v,
		Now:       s.deps.Clock(),
		OnWarning: func(w RowWarning) {
			if len(res.Warnings) < s.opts.MaxReportedErrors {
				res.Warnings = append(res.Warnings, w)
			}
		},
	}
}

// consume validates rows and writes accepted ones in batches of ChunkSize.
// Fully empty rows are not data rows and are skipped silently.
func (s *Service) consume(ctx context.Context, aj *activeJob, idx int, reader RowReader, normalize normalizeFunc, rctx RowContext, res *FileProcessingResult) {
	batch := make([]NormalizedRow, 0, s.opts.ChunkSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(ctx, batch, res)
		batch = batch[:0]
		s.fileProgress(ctx, aj, idx, reader.Progress(), res)
	}

	for {
		raw, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			flush()
			if ctx.Err() != nil {
				failFile(res, CategoryFormat, "processing interrupted: "+ctx.Err().Error())
			} else {
				failFile(res, CategoryFormat, fmt.Sprintf("read failed: %v", err))
			}
			return
		}
		if raw.IsEmpty() {
			continue
		}

		row, rerr := normalize(raw, rctx)
		if rerr != nil {
			res.RecordsFailed++
			s.addRowError(res, *rerr)
			continue
		}
		batch = append(batch, row)
		if len(batch) >= s.opts.ChunkSize {
			flush()
		}
	}
	flush()
}

// writeBatch stores one batch. A batch the writer gives up on fails the
// file, and its rows count as failed; later batches are still attempted.
func (s *Service) writeBatch(ctx context.Context, batch []NormalizedRow, res *FileProcessingResult) {
	first, last := batch[0].SourceRowIndex, batch[len(batch)-1].SourceRowIndex
	wr, err := s.deps.Writer.WriteBatch(ctx, batch)
	if err != nil {
		var serr *StorageError
		if !errors.As(err, &serr) {
			serr = &StorageError{FirstRow: first, LastRow: last, Err: err}
		}
		slog.Error("batch not stored",
			"file", res.FileName,
			"first_row", serr.FirstRow,
			"last_row", serr.LastRow,
			"error", serr.Err,
		)
		res.Success = false
		res.RecordsFailed += len(batch)
		res.Errors = append(res.Errors, RowError{
			RowIndex: serr.FirstRow,
			Message:  serr.Error(),
			Category: CategoryStorage,
		})
		return
	}
	res.RecordsProcessed += len(batch)
	res.RecordsInserted += wr.Inserted
	res.RecordsSkipped += wr.Skipped
}

// addRowError records a row error up to MaxReportedErrors.
func (s *Service) addRowError(res *FileProcessingResult, e RowError) {
	if len(res.Errors) >= s.opts.MaxReportedErrors {
		res.ErrorsTruncated = true
		return
	}
	res.Errors = append(res.Errors, e)
}

// failFile marks the file failed with a file-level error. File-level errors
// are always kept, even past the row error cap.
func failFile(res *FileProcessingResult, cat ErrorCategory, msg string) {
	res.Success = false
	res.Errors = append(res.Errors, RowError{RowIndex: 0, Message: msg, Category: cat})
}

// resolveLayout picks the sensor's own layout, then a configured layout for
// its type or the file's vendor, then the alias-driven default.
func (s *Service) resolveLayout(sensor *Sensor, vendor string) ColumnLayout {
	if sensor != nil && sensor.Layout != nil {
		return *sensor.Layout
	}
	if s.deps.Layouts != nil {
		typeName := ""
		if sensor != nil {
			typeName = sensor.TypeName
		}
		if l, ok := s.deps.Layouts.LayoutFor(typeName, vendor); ok {
			return l
		}
	}
	return ColumnLayout{}
}

// ----------------------------------------------------------------------------
// Job bookkeeping
// ----------------------------------------------------------------------------

func (s *Service) setCurrentFile(ctx context.Context, aj *activeJob, idx int, name string) {
	aj.mu.Lock()
	aj.currentFile = name
	aj.live[idx] = liveFile{}
	aj.mu.Unlock()
	s.publish(context.WithoutCancel(ctx), aj)
}

func (s *Service) fileProgress(ctx context.Context, aj *activeJob, idx int, fraction float64, res *FileProcessingResult) {
	aj.mu.Lock()
	aj.live[idx] = liveFile{
		fraction:  fraction,
		processed: res.RecordsProcessed,
		failed:    res.RecordsFailed,
	}
	aj.advanceLocked()
	aj.mu.Unlock()
	s.publish(context.WithoutCancel(ctx), aj)
}

// record stores a file result in its slot and recomputes the statistics.
// It is the only place job counters change.
func (s *Service) record(ctx context.Context, aj *activeJob, idx int, res FileProcessingResult) {
	aj.mu.Lock()
	aj.slots[idx] = &res
	delete(aj.live, idx)

	stats := JobStatistics{TotalFiles: len(aj.slots)}
	results := make([]FileProcessingResult, 0, len(aj.slots))
	for _, r := range aj.slots {
		if r == nil {
			continue
		}
		results = append(results, *r)
		stats.ProcessedFiles++
		stats.TotalRecords += r.RecordsProcessed
		stats.FailedRecords += r.RecordsFailed
		stats.InsertedRecords += r.RecordsInserted
		stats.DuplicateRecords += r.RecordsSkipped
	}
	aj.job.Results = results
	aj.job.Statistics = stats
	aj.advanceLocked()
	aj.mu.Unlock()

	s.persist(ctx, aj, s.opts.RunningTTL)
	s.publish(ctx, aj)
}

// finish moves the job to a terminal status once; later calls are ignored.
func (s *Service) finish(aj *activeJob, status JobStatus, msg string) {
	aj.mu.Lock()
	if aj.job.Status.Terminal() {
		aj.mu.Unlock()
		return
	}
	finishedAt := s.deps.Clock().UTC()
	aj.job.Status = status
	aj.job.FinishedAt = &finishedAt
	aj.job.Error = msg
	aj.job.ProgressPercentage = 100
	aj.currentFile = ""
	clear(aj.live)
	aj.mu.Unlock()

	ctx := context.Background()
	s.persist(ctx, aj, s.opts.FinalTTL)
	s.publish(ctx, aj)
	aj.closeListeners()
	close(aj.done)
}

// ----------------------------------------------------------------------------
// Sensor resolution
// ----------------------------------------------------------------------------

type sensorIndex struct {
	byID     map[string]*Sensor
	bySerial map[string]*Sensor
	serials  []string // longest first
	only     *Sensor
}

func newSensorIndex(c *Collection) sensorIndex {
	ix := sensorIndex{
		byID:     make(map[string]*Sensor, len(c.Sensors)),
		bySerial: make(map[string]*Sensor, len(c.Sensors)),
	}
	for i := range c.Sensors {
		sn := &c.Sensors[i]
		ix.byID[sn.ID] = sn
		if serial := NormalizeSerial(sn.SerialNumber); serial != "" {
			ix.bySerial[serial] = sn
			ix.serials = append(ix.serials, serial)
		}
	}
	sort.Slice(ix.serials, func(i, j int) bool {
		if len(ix.serials[i]) != len(ix.serials[j]) {
			return len(ix.serials[i]) > len(ix.serials[j])
		}
		return ix.serials[i] < ix.serials[j]
	})
	if len(c.Sensors) == 1 {
		ix.only = &c.Sensors[0]
	}
	return ix
}

// fromFileName returns the sensor whose serial appears in the file name.
func (ix sensorIndex) fromFileName(name string) *Sensor {
	upper := NormalizeSerial(name)
	for _, serial := range ix.serials {
		if strings.Contains(upper, serial) {
			return ix.bySerial[serial]
		}
	}
	return nil
}

// resolveSensor finds the sensor a whole file belongs to: the requested
// sensor, a serial in the file name, the collection's only sensor, or the
// serial an XLSX summary sheet carries. A nil sensor without error means the
// rows must name their sensor.
func (jc *jobContext) resolveSensor(meta FileMeta) (*Sensor, *RowError) {
	if jc.sensorID != "" {
		if sn, ok := jc.sensors.byID[jc.sensorID]; ok {
			return sn, nil
		}
		return nil, &RowError{
			Field:    "sensor",
			Message:  fmt.Sprintf("sensor %q is not part of collection %q", jc.sensorID, jc.collection.ID),
			Category: CategoryDataIntegrity,
		}
	}
	if sn := jc.sensors.fromFileName(meta.FileName); sn != nil {
		return sn, nil
	}
	if jc.sensors.only != nil {
		return jc.sensors.only, nil
	}
	if meta.Extension == FormatXLSX {
		if serial, ok := ProbeXLSXSerial(meta.AbsolutePath); ok {
			if sn, ok := jc.sensors.bySerial[serial]; ok {
				return sn, nil
			}
		}
	}
	return nil, nil
}
