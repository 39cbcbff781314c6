package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"rpc"},
	Short:   "Start the JSON-RPC server (default)",
	Long: `Start the JSON-RPC server on stdin/stdout.

Each line on stdin is one JSON-RPC 2.0 request; each response is one line
on stdout. Member notifications are written to stdout as "notify"
notifications. Set TENDRIL_METRICS_ADDR to also serve Prometheus metrics.

Examples:
  tendril serve
  TENDRIL_METRICS_ADDR=:9464 tendril serve`,
	RunE: func(cmd *cobra.Command, args []string) error { return runServe(cmd.Context()) },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tendril %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show peer and store statistics",
	Long: `Show the local peer address, the store backend and how many
entries, links and local log rows it holds.

Examples:
  tendril status`,
	RunE: func(cmd *cobra.Command, args []string) error { return runStatus(cmd.Context()) },
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := rpc.NewWriter(os.Stdout)
	sess, err := openSession(ctx, chat.WithNotifier(out))
	if err != nil {
		return err
	}
	defer sess.Close()

	if addr := sess.cfg.MetricsAddr; addr != "" {
		srv := startMetrics(addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Fprintln(os.Stderr, "Tendril JSON-RPC server (stdio transport)")
	fmt.Fprintf(os.Stderr, "Agent: %s\n", sess.id.Address())
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop. Run 'tendril help' for available commands.")

	server := rpc.NewServer(sess.chat, sess.index, out)
	if err := server.Serve(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics listener failed", "err", err)
		}
	}()
	return srv
}

func runStatus(ctx context.Context) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := sess.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	indexed, err := sess.index.Count(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to count indexed messages: %w", err)
	}

	fmt.Printf("Tendril Status:\n")
	fmt.Printf("  Agent: %s\n", sess.id.Address())
	fmt.Printf("  Store: %s\n", sess.cfg.StoreBackend)
	fmt.Printf("  Entries: %d\n", st.Entries)
	fmt.Printf("  Links: %d\n", st.Links)
	fmt.Printf("  Local Log: %d\n", st.LocalLog)
	fmt.Printf("  Indexed Messages: %d\n", indexed)
	return nil
}
