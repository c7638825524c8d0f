package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/abhisek/packplan/internal/httpapi"
	"github.com/abhisek/packplan/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := wireApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.cfg.HTTPAddr = addr
		}

		shutdown, err := observability.Init(ctx, a.cfg.Tracing, version, os.Stderr, a.log)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				a.log.Warn("tracer shutdown failed", "error", err)
			}
		}()

		if mode := strings.ToLower(a.cfg.LogMode); mode == "prod" || mode == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := httpapi.NewServer(a.cfg.HTTPAddr, httpapi.NewHandler(a.planner, a.tracker, a.log), a.log)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(gctx) })
		g.Go(func() error {
			if err := a.tracker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides http_addr)")
}
