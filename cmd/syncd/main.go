// Package main is the syncd daemon and CLI: it serves the sync status API,
// runs scheduled syncs, and offers one-shot sync and status commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/memonexus/syncd/internal/config"
	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/status"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	fs         afero.Fs
	lookupEnv  func(string) (string, bool)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(afero.NewOsFs(), os.LookupEnv)
}

// newRootCmdWith builds the command tree reading config from fs and lookupEnv.
func newRootCmdWith(fs afero.Fs, lookupEnv func(string) (string, bool)) *cobra.Command {
	opts := &rootOptions{fs: fs, lookupEnv: lookupEnv}

	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Sync orchestration engine",
		Long:          `syncd pulls records from configured providers into the local store, one operation per sync type at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(newServeCmd(opts), newSyncCmd(opts), newStatusCmd(opts), newMigrateCmd(opts))
	return root
}

// load reads config and initialises logging on stderr.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadFs(o.fs, o.configPath, o.lookupEnv)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

// =====================================================
// serve
// =====================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the status API, scheduler and watcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), cfg, opts.fs, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, fs afero.Fs, out io.Writer) error {
	a, err := newApp(cfg, fs)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	a.start(ctx)
	logging.Info("syncd started", map[string]interface{}{
		"addr":     cfg.HTTP.Addr,
		"types":    len(a.orch.Routes()),
		"interval": cfg.Scheduler.Interval.String(),
		"watch":    a.watcher != nil,
	})
	fmt.Fprintf(out, "syncd listening on %s\n", cfg.HTTP.Addr)

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("Shutdown signal received", nil)
	case err := <-serveErr:
		runErr = errors.Wrap(errors.ErrInternal, "http server stopped", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := a.close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// =====================================================
// sync
// =====================================================

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var (
		types string
		full  bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync for the given types and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := models.ParseSyncTypes(types)
			if err != nil {
				return errors.Wrap(errors.ErrInvalid, "invalid --types", err)
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, opts.fs, parsed, full, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&types, "types", "t", strings.Join(typeNames(models.AllSyncTypes()), ","), "comma-separated sync types")
	cmd.Flags().BoolVar(&full, "full", false, "ignore checkpoints and fetch the whole lookback window")
	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, fs afero.Fs, types []models.SyncType, full bool, out io.Writer) error {
	a, err := newApp(cfg, fs)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	outcome, err := a.orch.RequestSync(models.SyncRequest{Types: types, Full: full})
	if err != nil {
		return err
	}

	var ids []string
	for _, t := range outcome.Types {
		if !t.Acquired {
			fmt.Fprintf(out, "%-10s blocked\n", t.Type)
			continue
		}
		ids = append(ids, t.OperationID)
		if done := a.orch.Done(t.OperationID); done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				for _, typ := range types {
					_ = a.orch.Cancel(typ)
				}
				<-done
			}
		}
	}
	a.orch.Wait()

	failed := 0
	for _, id := range ids {
		op, err := a.operation(context.Background(), id)
		if err != nil {
			return err
		}
		printOperation(out, op)
		if op.Status != models.OperationCompleted {
			failed++
		}
	}
	if failed > 0 {
		return errors.New(errors.ErrInternal, fmt.Sprintf("%d of %d operations did not complete", failed, len(ids)))
	}
	return nil
}

func printOperation(out io.Writer, op *models.SyncOperation) {
	p := op.Progress
	fmt.Fprintf(out, "%-10s %-10s fetched=%d stored=%d skipped=%d errored=%d",
		op.Type, op.Status, p.Fetched, p.Stored, p.Skipped, p.Errored)
	if p.Truncated {
		fmt.Fprint(out, " truncated")
	}
	fmt.Fprintln(out)
	for _, r := range op.Providers {
		if r.Failed() {
			fmt.Fprintf(out, "  %-22s %s: %s\n", r.Provider, r.ErrorCode, r.Error)
			continue
		}
		fmt.Fprintf(out, "  %-22s stored=%d skipped=%d\n", r.Provider, r.Progress.Stored, r.Progress.Skipped)
	}
	if op.ErrorSummary != "" {
		fmt.Fprintf(out, "  errors: %s\n", op.ErrorSummary)
	}
}

// =====================================================
// status
// =====================================================

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running syncd",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				addr = cfg.HTTP.Addr
			}
			return showStatus(cmd.Context(), addr, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address of the running syncd (defaults to http.addr)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func showStatus(ctx context.Context, addr string, asJSON bool, out io.Writer) error {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/sync/status", nil)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid address", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "syncd is not reachable at "+addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrInternal, fmt.Sprintf("status request failed: %s", resp.Status))
	}

	var st status.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errors.Wrap(errors.ErrInternal, "decode status", err)
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(out, "running: %t\n", st.IsAnyRunning)
	for _, op := range st.Operations {
		printOperation(out, op)
	}
	return nil
}

func typeNames(types []models.SyncType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
