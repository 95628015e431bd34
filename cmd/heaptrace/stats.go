package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/heaptrace/heaptrace/internal/aggregate"
	"github.com/heaptrace/heaptrace/internal/config"
	"github.com/heaptrace/heaptrace/internal/frametree"
	"github.com/heaptrace/heaptrace/internal/nativeresolve"
	"github.com/heaptrace/heaptrace/internal/reader"
	"github.com/heaptrace/heaptrace/internal/recordio"
	"github.com/heaptrace/heaptrace/internal/sink"
)

func newStatsCommand() *cobra.Command {
	var top int
	var mergeThreads bool
	var leaked bool

	cmd := &cobra.Command{
		Use:   "stats <file>",
		Short: "Summarize a capture's allocations and high water mark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, args[0], top, mergeThreads, leaked)
		},
	}
	cmd.Flags().IntVar(&top, "top", 15, "number of allocating locations to show")
	cmd.Flags().BoolVar(&mergeThreads, "merge-threads", true, "combine allocations from every thread")
	cmd.Flags().BoolVar(&leaked, "leaked", false, "show allocations still outstanding at EOF instead of the high water mark")
	return cmd
}

func runStats(cmd *cobra.Command, path string, top int, mergeThreads, leaked bool) error {
	r, header, err := openCapture(path)
	if err != nil {
		return err
	}
	defer r.Close()

	agg := aggregate.NewStreamingAllocationAggregator()
	for {
		result, err := r.Next()
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		if result == reader.ResultEOF {
			break
		}
		if result == reader.ResultAllocation {
			agg.Add(r.LastAllocation())
		}
	}

	hwm := agg.HighWaterMark()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "command line:      %s\n", header.CommandLine)
	fmt.Fprintf(out, "pid:               %d\n", header.Pid)
	fmt.Fprintf(out, "total allocations: %d\n", header.Stats.NAllocations)
	fmt.Fprintf(out, "distinct frames:   %d\n", header.Stats.NFrames)
	fmt.Fprintf(out, "peak memory:       %s\n", formatBytes(hwm.PeakMemory))
	fmt.Fprintln(out)

	var snap aggregate.Snapshot
	title := "high water mark"
	if leaked {
		snap = agg.LeakedAllocations(mergeThreads)
		title = "leaked at EOF"
	} else {
		snap = agg.HighWaterMarkAllocations(mergeThreads)
	}

	type row struct {
		key aggregate.Key
		agg aggregate.Aggregated
	}
	rows := make([]row, 0, len(snap))
	for k, v := range snap {
		rows = append(rows, row{k, v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].agg.Size > rows[j].agg.Size })
	if top > 0 && len(rows) > top {
		rows = rows[:top]
	}

	fmt.Fprintf(out, "%s, top %d allocating locations:\n", title, len(rows))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "bytes\tallocations\tthread\tlocation\n")
	for _, rr := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			formatBytes(rr.agg.Size), rr.agg.NAllocations, threadLabel(rr.key.ThreadID), topFrameLabel(r, rr.key.FrameIndex))
	}
	return tw.Flush()
}

func threadLabel(tid uint64) string {
	if tid == aggregate.NoThreadInfo {
		return "-"
	}
	return fmt.Sprintf("%d", tid)
}

// topFrameLabel resolves the deepest Python frame of a call stack for
// display, falling back to a placeholder when the stack is empty (a
// native-only allocation with no Python frames pushed).
func topFrameLabel(r *reader.Reader, index frametree.Index) string {
	frames, err := r.PythonStack(index, 1)
	if err != nil || len(frames) == 0 {
		return "<native>"
	}
	f := frames[0]
	return fmt.Sprintf("%s (%s:%d)", f.FunctionName, f.FileName, f.Line)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), units[exp])
}

// openCaptureSource is a seam over sink.OpenFileSource so tests can
// substitute an in-memory source without touching the filesystem.
var openCaptureSource = sink.OpenFileSource

func openCapture(path string) (*reader.Reader, recordio.Header, error) {
	src, err := openCaptureSource(path)
	if err != nil {
		return nil, recordio.Header{}, fmt.Errorf("opening %s: %w", path, err)
	}
	cfg := config.Default()
	resolver, err := nativeresolve.NewCache(nativeresolve.NewDWARFSymbolizer(), cfg.NativeCacheSize)
	if err != nil {
		src.Close()
		return nil, recordio.Header{}, fmt.Errorf("building native resolver: %w", err)
	}
	r, err := reader.New(src, resolver)
	if err != nil {
		src.Close()
		return nil, recordio.Header{}, fmt.Errorf("reading header of %s: %w", path, err)
	}
	return r, r.Header(), nil
}
