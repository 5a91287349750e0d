package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sensorlog/internal/app"
	"github.com/JonMunkholm/sensorlog/internal/config"
	"github.com/JonMunkholm/sensorlog/internal/core"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest COLLECTION FILE [FILE...]",
		Args:  cobra.MinimumNArgs(2),
		Short: "Import logger exports into a sensor collection",
		Long: `Runs one ingestion job over the given files and waits for it to finish.

Every file is routed to a parser by its format; rows are validated and written
to the collection's sensors. Re-importing a file inserts nothing new.`,
		RunE: runIngestCmd,
	}

	cmd.Flags().String("sensor", "", "Attribute every file to this sensor ID instead of resolving it from the file")
	cmd.Flags().String("actor", os.Getenv("USER"), "Recorded as the job's creator")
	cmd.Flags().Bool(flagJSON, false, "Print the finished job as JSON")

	return cmd
}

func runIngestCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	files, err := fileMetas(args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sensorID, _ := cmd.Flags().GetString("sensor")
	actor, _ := cmd.Flags().GetString("actor")
	jobID, err := a.Service.Submit(ctx, core.SubmitRequest{
		CollectionID: args[0],
		SensorID:     sensorID,
		Files:        files,
		Actor:        actor,
	})
	if err != nil {
		return err
	}

	if progress, err := a.Service.SubscribeProgress(jobID); err == nil {
		showProgress(cmd.ErrOrStderr(), progress)
	}

	job, err := a.Service.Wait(ctx, jobID)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool(flagJSON); asJSON {
		return printJSON(cmd.OutOrStdout(), job)
	}
	printJob(cmd.OutOrStdout(), job)
	if job.Status == core.JobFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
	return nil
}

func fileMetas(paths []string) ([]core.FileMeta, error) {
	files := make([]core.FileMeta, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		files = append(files, core.NewFileMeta(filepath.Base(abs), abs, info.Size(), ""))
	}
	return files, nil
}

// showProgress redraws one status line per snapshot on a terminal and
// otherwise just drains the channel.
func showProgress(w io.Writer, progress <-chan core.ProgressSnapshot) {
	f, ok := w.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		for range progress {
		}
		return
	}
	for snap := range progress {
		fmt.Fprintf(w, "\r\033[K%3d%%  %d/%d files  %s rows  %s",
			snap.Percentage, snap.Processed, snap.Total,
			humanize.Comma(int64(snap.RecordsProcessed)), snap.CurrentFile)
	}
	fmt.Fprintln(w)
}
