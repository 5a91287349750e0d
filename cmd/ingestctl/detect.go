package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect FILE [FILE...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "Show how files would be routed without importing them",
		Long: `Samples each file and prints the detected format, vendor, MIME type and
the parser the registry would pick. No database or redis connection is needed.`,
		RunE: runDetectCmd,
	}

	cmd.Flags().BoolP("verbose", "v", false, "Also print the reasons behind each detection")

	return cmd
}

func runDetectCmd(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	files, err := fileMetas(args)
	if err != nil {
		return err
	}

	registry := core.DefaultRegistry()
	t := newTable(cmd.OutOrStdout(), "File", "Size", "Format", "Vendor", "MIME", "Parser", "Score")
	var reasons []string
	for _, meta := range files {
		sample, err := core.SampleFile(meta.AbsolutePath, core.SampleSize)
		if err != nil {
			return err
		}
		det := core.DetectFormat(meta, sample)
		parser := "-"
		if p, ok := registry.Find(meta, sample); ok {
			parser = p.Name()
		}
		t.AppendRow(table.Row{meta.FileName, humanize.Bytes(uint64(meta.SizeBytes)),
			det.Format, orDash(det.Vendor), core.SniffMIME(sample), parser, det.Score})
		if len(det.Reasons) > 0 {
			reasons = append(reasons, fmt.Sprintf("%s: %s", meta.FileName, strings.Join(det.Reasons, "; ")))
		}
	}
	t.Render()

	if verbose {
		for _, r := range reasons {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
	}
	return nil
}
