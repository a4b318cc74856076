package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var envFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "importer",
		Short:         "Bank statement import service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	cmd.AddCommand(serveCmd(), workerCmd(), runJobCmd(), sweepCmd())
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the background job worker and the notification sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, envFile)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			logger := a.logger

			var wg sync.WaitGroup
			if !noWorker {
				wg.Add(1)
				go func() {
					defer wg.Done()
					a.runner.Work(ctx, a.cfg.JobPollInterval, a.cfg.JobBatchSize)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.sweeper.Run(ctx)
			}()

			// --- Server ---
			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", a.cfg.Port),
				Handler:      a.router(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 0, // job event streams stay open
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", zap.Int("port", a.cfg.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			// --- Graceful shutdown ---
			select {
			case <-ctx.Done():
			case err := <-errCh:
				stop()
				wg.Wait()
				return fmt.Errorf("server failed: %w", err)
			}

			logger.Info("server shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server forced shutdown", zap.Error(err))
			}
			wg.Wait()

			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without polling for background jobs")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Poll for pending import jobs and run them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, envFile)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			a.runner.Work(ctx, a.cfg.JobPollInterval, a.cfg.JobBatchSize)
			return nil
		},
	}
}

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-job <job-id>",
		Short: "Claim and run one pending import job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, envFile)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.runner.Run(ctx, args[0]); err != nil {
				return err
			}
			job, err := a.store.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s (%d%%)\n", job.ID, job.Status, job.Progress)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete old read notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, envFile)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			n, err := a.sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d notifications\n", n)
			return nil
		},
	}
}
