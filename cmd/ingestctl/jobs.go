package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sensorlog/internal/core"
	"github.com/JonMunkholm/sensorlog/internal/store"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Args:  cobra.ExactArgs(1),
		Short: "Show a recorded job and its per-file results",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openRedis(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			job, err := store.NewRedisJobStore(client).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(flagJSON); asJSON {
				return printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().Bool(flagJSON, false, "Print the job as JSON")
	return cmd
}

func progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress JOB_ID",
		Args:  cobra.ExactArgs(1),
		Short: "Show the last progress snapshot of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openRedis(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			snap, ok, err := store.NewRedisTracker(client, store.DefaultProgressTTL).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", core.ErrJobNotFound, args[0])
			}
			if asJSON, _ := cmd.Flags().GetBool(flagJSON); asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s  %s  %d%%  %d/%d files  %s rows  %s failed",
				snap.JobID, snap.Status, snap.Percentage, snap.Processed, snap.Total,
				humanize.Comma(int64(snap.RecordsProcessed)), humanize.Comma(int64(snap.RecordsFailed)))
			if snap.CurrentFile != "" {
				fmt.Fprintf(w, "  (%s)", snap.CurrentFile)
			}
			fmt.Fprintf(w, "  updated %s\n", humanize.Time(snap.UpdatedAt))
			return nil
		},
	}
	cmd.Flags().Bool(flagJSON, false, "Print the snapshot as JSON")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Args:  cobra.NoArgs,
		Short: "List finished jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 1 {
				return errors.New("--limit must be positive")
			}
			client, err := openRedis(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			jobs, err := store.NewRedisJobStore(client).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(flagJSON); asJSON {
				if jobs == nil {
					jobs = []core.JobSummary{}
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			}

			t := newTable(cmd.OutOrStdout(), "Job", "Status", "Collection", "By", "Created", "Files", "Inserted", "Duplicate", "Failed")
			for _, j := range jobs {
				st := j.Statistics
				t.AppendRow(table.Row{j.ID, j.Status, j.CollectionID, orDash(j.CreatedBy),
					humanize.Time(j.CreatedAt), st.TotalFiles,
					humanize.Comma(int64(st.InsertedRecords)), humanize.Comma(int64(st.DuplicateRecords)),
					humanize.Comma(int64(st.FailedRecords))})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of jobs to list")
	cmd.Flags().Bool(flagJSON, false, "Print the jobs as JSON")
	return cmd
}

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Args:  cobra.NoArgs,
		Short: "Remove recorded jobs created before a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			client, err := openRedis(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := store.NewRedisJobStore(client).Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 24*time.Hour, "Remove jobs created longer ago than this")
	return cmd
}
