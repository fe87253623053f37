package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printdesk/internal/config"
	"printdesk/internal/console"
	"printdesk/internal/printer"
	"printdesk/internal/types"
	"printdesk/internal/webserver"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control panel",
	Long: `Serves the JSON API and the console websocket.

Slicer settings and directories are reloaded when the config file changes.
Serial settings apply to the next connect.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddress, "address", "a", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := webserver.LoadTranslations()
	if err != nil {
		return err
	}

	hub := console.NewHub(console.DefaultBacklog, console.DefaultBuffer, logger)

	session, err := newSession(cfg, hub.Publish)
	if err != nil {
		return err
	}

	inv, err := newInvoker(cfg)
	if err != nil {
		return err
	}

	poller := printer.NewPoller(session, printer.PollerOptions{
		Idle:     cfg.Poll.IdleInterval.Std(),
		Printing: cfg.Poll.PrintingInterval.Std(),
		OnReport: func(r printer.Report) {
			hub.Publish(types.NewLine(types.SourcePrinter, types.StreamStatus, r.String()))
		},
		Logger: logger,
	})

	srv := webserver.NewServer(webserver.Options{
		Slicer:     inv,
		Printer:    session,
		Hub:        hub,
		Reports:    poller.Last,
		UploadDir:  cfg.Web.UploadDir,
		OutputDir:  cfg.Slicer.OutputDir,
		ExtraFlags: cfg.Slicer.ExtraFlags,
		Logger:     logger,
	})

	addr := serveAddress
	if addr == "" {
		addr = cfg.Web.Address
	}

	httpServer := newHTTPServer(ctx, addr, srv.Handler())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", "address", addr)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		err := config.Watch(ctx, configPath, func(c *config.Config) {
			inv.SetDefaults(configuredExecutable(c), c.Slicer.OutputDir, c.Slicer.Timeout.Std())
			srv.Reconfigure(c.Web.UploadDir, c.Slicer.OutputDir, c.Slicer.ExtraFlags)
			poller.SetIntervals(c.Poll.IdleInterval.Std(), c.Poll.PrintingInterval.Std())

			p, err := loadProfile(c)
			if err != nil {
				logger.Warn("Keeping previous printer profile", "path", c.Slicer.Profile, "error", err)
				return
			}

			inv.SetProfile(p)
		})
		if err != nil {
			// the panel works without live reload
			logger.Warn("Config watch disabled", "error", err)
		}

		return nil
	})

	if cfg.Poll.IdleInterval > 0 {
		g.Go(func() error { return poller.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		session.Disconnect()

		logger.Info("Server stopped")

		return err
	})

	if cfg.Serial.Port != "" {
		port, baud := cfg.Serial.Port, cfg.Serial.Baud

		go func() {
			err := session.Connect(port, baud)
			if err != nil {
				logger.Warn("Auto-connect failed", "port", port, "error", err)
			}
		}()
	}

	return g.Wait()
}

// newHTTPServer serves handler on addr. Request contexts derive from ctx,
// so in-flight requests such as a running slice stop when ctx is cancelled.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}
