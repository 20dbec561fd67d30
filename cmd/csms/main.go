package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/go-csms/adminapi"
	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/server"
	"github.com/gridwire/go-csms/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("parse log level %q: %v", cfg.Log.Level, err)
	}
	logger := pkg.NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger())

	cs := server.NewCentralSystem(
		server.WithLogger(logger),
		server.WithHeartbeatInterval(cfg.OCPP.HeartbeatInterval.Duration),
		server.WithCallTimeout(cfg.OCPP.CallTimeout.Duration),
	)

	ws, err := transport.NewWebSocketServer(cfg.Listen.Addr, cs.Accept,
		transport.WithWebSocketServerOptionLogger(logger),
	)
	if err != nil {
		log.Fatalf("init websocket server: %v", err)
	}

	admin := &http.Server{
		Addr:    cfg.Admin.Addr,
		Handler: adminapi.NewRouter(cs, logger),
	}

	errCh := make(chan error, 2)
	go func() {
		defer pkg.Recover()

		logger.Infof("device listener on %s", cfg.Listen.Addr)
		if cfg.Listen.CertFile != "" {
			errCh <- ws.RunTLS(cfg.Listen.CertFile, cfg.Listen.KeyFile)
			return
		}
		errCh <- ws.Run()
	}()
	go func() {
		defer pkg.Recover()

		logger.Infof("admin api on %s", cfg.Admin.Addr)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if err := signalWaiter(errCh); err != nil {
		log.Fatalf("server run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := admin.Shutdown(ctx); err != nil {
		logger.Warnf("admin api shutdown: %v", err)
	}
	if err := cs.Shutdown(ctx); err != nil {
		logger.Warnf("central system shutdown: %v", err)
	}
	if err := ws.Shutdown(ctx); err != nil {
		logger.Warnf("device listener shutdown: %v", err)
	}
}

func signalWaiter(errCh chan error) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Printf("received signal: %s", sig)
		return nil
	case err := <-errCh:
		return err
	}
}
