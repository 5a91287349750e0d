package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func printJob(w io.Writer, job *core.Job) {
	fmt.Fprintf(w, "Job:        %s\n", job.ID)
	fmt.Fprintf(w, "Status:     %s\n", job.Status)
	fmt.Fprintf(w, "Collection: %s\n", job.CollectionID)
	fmt.Fprintf(w, "Created:    %s by %s\n", humanize.Time(job.CreatedAt), orDash(job.CreatedBy))
	if job.StartedAt != nil && job.FinishedAt != nil {
		fmt.Fprintf(w, "Duration:   %s\n", job.FinishedAt.Sub(*job.StartedAt).Round(time.Millisecond))
	}
	if job.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", job.Error)
	}
	st := job.Statistics
	fmt.Fprintf(w, "Records:    %s read, %s inserted, %s duplicate, %s failed\n",
		humanize.Comma(int64(st.TotalRecords)), humanize.Comma(int64(st.InsertedRecords)),
		humanize.Comma(int64(st.DuplicateRecords)), humanize.Comma(int64(st.FailedRecords)))

	if len(job.Results) == 0 {
		return
	}
	fmt.Fprintln(w)
	t := newTable(w, "File", "Parser", "Sensor", "Read", "Inserted", "Skipped", "Failed", "Time")
	for _, r := range job.Results {
		sensor := "-"
		if r.SensorID != nil {
			sensor = *r.SensorID
		}
		parser := orDash(r.Parser)
		if r.UsedFallback {
			parser += " (fallback)"
		}
		t.AppendRow(table.Row{r.FileName, parser, sensor,
			r.RecordsProcessed, r.RecordsInserted, r.RecordsSkipped, r.RecordsFailed,
			time.Duration(r.ProcessingTimeMs) * time.Millisecond})
	}
	t.Render()

	for _, r := range job.Results {
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s row %d: %s\n", r.FileName, e.RowIndex, e.Error())
		}
		if r.ErrorsTruncated {
			fmt.Fprintf(w, "  %s: further errors not shown\n", r.FileName)
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
