package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/mcpanel/internal/api"
	"github.com/CZERTAINLY/mcpanel/internal/audit"
	"github.com/CZERTAINLY/mcpanel/internal/hub"
	"github.com/CZERTAINLY/mcpanel/internal/jdk"
	"github.com/CZERTAINLY/mcpanel/internal/log"
	"github.com/CZERTAINLY/mcpanel/internal/logbuf"
	"github.com/CZERTAINLY/mcpanel/internal/netscan"
	"github.com/CZERTAINLY/mcpanel/internal/service"
)

const shutdownTimeout = 5 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("mcpanel",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	h := hub.New(logbuf.New(config.LogBufferSize))

	var store *audit.Store
	if config.AuditDB != "" {
		var err error
		store, err = audit.Open(ctx, config.AuditDB)
		if err != nil {
			slog.WarnContext(ctx, "audit trail disabled", "path", config.AuditDB, "error", err)
		}
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "closing audit db", "error", err)
		}
	}()

	supervisor := service.NewSupervisor(config, h, service.WithAuditor(store))
	installer := jdk.New(config.JDK, h)
	handler := api.New(config, supervisor, h, installer, store).Handler()

	addr := net.JoinHostPort("", strconv.Itoa(config.Port))
	ln, err := netscan.NewBinder().Bind(ctx, addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	slog.InfoContext(ctx, "panel listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		return supervisor.Do(gctx)
	})
	g.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
