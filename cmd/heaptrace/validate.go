package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heaptrace/heaptrace/internal/reader"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Stream a capture end to end and report the first parse error, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, path string) error {
	r, header, err := openCapture(path)
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	var allocations, memorySamples uint64
	for {
		result, err := r.Next()
		if err != nil {
			fmt.Fprintf(out, "%s: %s after %d allocation(s), %d memory sample(s): %v\n",
				path, colorize("31", "FAIL"), allocations, memorySamples, err)
			return err
		}
		switch result {
		case reader.ResultEOF:
			fmt.Fprintf(out, "%s: %s (%d allocation(s), %d memory sample(s), %d declared)\n",
				path, colorize("32", "OK"), allocations, memorySamples, header.Stats.NAllocations)
			return nil
		case reader.ResultAllocation:
			allocations++
		case reader.ResultMemory:
			memorySamples++
		}
	}
}
