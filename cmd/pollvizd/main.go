package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/pollviz/pollviz/internal/config"
	"github.com/pollviz/pollviz/internal/logger"
	"github.com/pollviz/pollviz/internal/proto"
	"github.com/pollviz/pollviz/internal/server"
	"github.com/pollviz/pollviz/internal/session"
	"github.com/pollviz/pollviz/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "pollvizd",
		Short: "streaming grouped-segment visualization server",
		RunE:  run,
	}

	root.Flags().String("addr", "", "listen address (overrides POLLVIZ_ADDR)")
	root.Flags().String("db", "", "database path (overrides POLLVIZ_DB)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	mgr := config.NewManager()
	if err := mgr.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DB = db
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	resumeSecret := make([]byte, 32)
	if _, err := rand.Read(resumeSecret); err != nil {
		return fmt.Errorf("generate resume secret: %w", err)
	}

	sessOpts := session.Options{
		TickInterval:        time.Duration(cfg.BatchUpdateInterval) * time.Millisecond,
		IdleTimeout:         time.Duration(cfg.SessionIdleMs) * time.Millisecond,
		SubscriberQueueSize: cfg.SubscriberQueue,
		ResumeSecret:        resumeSecret,
	}
	sessionManager := server.NewManager(st, sessOpts)

	srv := server.NewServer(sessionManager, server.Config{
		ResumeSecret: resumeSecret,
		RateLimit:    server.NewPerIPLimiter(10, 20),
	})

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pollvizd listening", "addr", cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		restartPayload, err := json.Marshal(proto.RelayRestartPayload{Type: proto.EventRelayRestart})
		if err != nil {
			return fmt.Errorf("encode relay restart payload: %w", err)
		}
		sessionManager.Shutdown(session.Event{Name: proto.EventRelayRestart, Payload: restartPayload})
		return httpSrv.Close()
	case err := <-errCh:
		return err
	}
}
