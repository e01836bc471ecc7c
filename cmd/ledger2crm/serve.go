package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/homemade/ledger2crm/sync"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Serve the sync trigger API and scheduler",
	Long: `Serve the HTTP trigger surface:

  POST /api/sync                   start an incremental sync in the background
  POST /api/sync/backfill          start a sync of every record, ignoring the lookback
  POST /api/sync/blocking          run an incremental sync and return the result
  POST /api/sync/partial?entities= start an incremental partial sync
  POST /api/sync/{entity}/{id}     sync one source record
  GET  /api/status                 current or last run
  GET  /api/test-config            check the source and CRM credentials
  POST /api/admin/clear-cache      forget cached association type ids
  POST /api/scheduler/enable       enable the interval scheduler
  POST /api/scheduler/disable      disable the interval scheduler
  GET  /api/scheduler/status       scheduler state
  GET  /health                     liveness
  GET  /metrics                    prometheus metrics

Calls to /api/ require the X-API-Key header when an API key is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go a.orchestrator.Start(ctx)
		scheduler := sync.NewScheduler(a.orchestrator, a.config.Sync.ScheduleInterval, a.config.Sync.ScheduleEnabled)
		go scheduler.Run(ctx)

		addr := a.config.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		if a.config.Server.APIKey == "" {
			log.Printf("Warning: no API key configured, the trigger API is open")
		}
		server := &http.Server{
			Addr: addr,
			Handler: (&sync.Server{
				Orchestrator: a.orchestrator,
				Scheduler:    scheduler,
				Metrics:      a.metrics,
				Checks:       map[string]sync.ConnectionChecker{"source": a.source, "crm": a.crm},
				Cache:        a.writer,
				APIKey:       a.config.Server.APIKey,
			}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("Warning: shutdown: %v", err)
			}
		}()

		log.Printf("Listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
