package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/heaptrace/heaptrace/internal/aggregate"
	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/reader"
)

var log = logging.For("cmd/heaptrace")

// newServeCommand starts a small HTTP server exposing a capture's high
// water mark as plain text, the descendant of viewcore's undefined
// "html" case. It deliberately stops at a text endpoint; the
// flamegraph/table browser viewcore's serveHTML would have rendered is
// out of scope here.
func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve <file>",
		Short: "Serve a capture's high-water-mark summary over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args[0], addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "address to listen on")
	return cmd
}

func runServe(cmd *cobra.Command, path, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/summary", func(w http.ResponseWriter, req *http.Request) {
		serveSummary(w, path)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	fmt.Fprintf(cmd.OutOrStdout(), "serving %s on http://%s/summary\n", path, addr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func serveSummary(w http.ResponseWriter, path string) {
	r, header, err := openCapture(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer r.Close()

	agg := aggregate.NewStreamingAllocationAggregator()
	for {
		result, err := r.Next()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if result == reader.ResultEOF {
			break
		}
		if result == reader.ResultAllocation {
			agg.Add(r.LastAllocation())
		}
	}

	hwm := agg.HighWaterMark()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "command line: %s\n", header.CommandLine)
	fmt.Fprintf(w, "pid: %d\n", header.Pid)
	fmt.Fprintf(w, "peak memory: %s\n", formatBytes(hwm.PeakMemory))

	log.WithField("path", path).Debug("served summary")
}
