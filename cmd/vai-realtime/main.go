package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/vai-realtime/internal/dotenv"
	"github.com/vango-go/vai-realtime/pkg/realtime/config"
	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/metrics"
	"github.com/vango-go/vai-realtime/pkg/realtime/session"
	"github.com/vango-go/vai-realtime/pkg/realtime/transport"
)

const shutdownGracePeriod = 5 * time.Second

type realtimeDeps struct {
	loadConfig    func() (config.Config, error)
	newNegotiator func(config.Config, *slog.Logger) transport.Negotiator
	openStore     func(config.Config, *slog.Logger) (conversation.Store, func(context.Context) error, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultRealtimeDeps() realtimeDeps {
	return realtimeDeps{
		loadConfig:    config.LoadFromEnv,
		newNegotiator: buildNegotiator,
		openStore:     openStore,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func tokenSource(cfg config.Config) transport.TokenSource {
	if cfg.EphemeralToken != "" {
		return transport.StaticToken(cfg.EphemeralToken)
	}
	return &transport.ClientSecretSource{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Voice:   cfg.Voice,
		Legacy:  cfg.LegacySessions,
	}
}

func buildNegotiator(cfg config.Config, logger *slog.Logger) transport.Negotiator {
	tokens := tokenSource(cfg)
	if cfg.Transport == config.TransportWebSocket {
		return transport.NewWebSocketNegotiator(transport.WebSocketConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Tokens:  tokens,
			Logger:  logger,
		})
	}

	wcfg := transport.WebRTCConfig{
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Tokens:     tokens,
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	}
	if cfg.MicFile != "" {
		path := cfg.MicFile
		wcfg.Media = func() (transport.MediaSource, error) {
			return transport.NewOggFileSource(path, logger)
		}
	}
	if cfg.PlaybackFile != "" {
		wcfg.Playback = &transport.OggFileSink{Path: cfg.PlaybackFile, Logger: logger}
	}
	return transport.NewWebRTCNegotiator(wcfg)
}

// openStore returns the conversation store and a func that drains and closes
// it.
func openStore(cfg config.Config, logger *slog.Logger) (conversation.Store, func(context.Context) error, error) {
	var (
		store   conversation.Store
		closeFn = func(context.Context) error { return nil }
	)
	if cfg.DBPath != "" {
		db, err := conversation.OpenSQLite(cfg.DBPath, cfg.RoomID)
		if err != nil {
			return nil, nil, err
		}
		store = db
		closeFn = func(context.Context) error { return db.Close() }
	} else {
		store = conversation.NewMemoryStore(cfg.RoomID)
	}

	if cfg.MirrorURL != "" {
		mirrored := conversation.NewMirroredStore(store, &conversation.HTTPMirror{
			BaseURL: cfg.MirrorURL,
			APIKey:  cfg.MirrorAPIKey,
		}, conversation.MirrorOptions{Logger: logger})
		closeInner := closeFn
		closeFn = func(ctx context.Context) error {
			err := mirrored.Close(ctx)
			if cerr := closeInner(ctx); err == nil {
				err = cerr
			}
			return err
		}
		store = mirrored
	}
	return store, closeFn, nil
}

func runRealtime(ctx context.Context, in io.Reader, out, logOut io.Writer, deps realtimeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newNegotiator == nil {
		return errors.New("missing newNegotiator dependency")
	}
	if deps.openStore == nil {
		return errors.New("missing openStore dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	out = &syncWriter{w: out}

	m := metrics.New("")

	store, closeStore, err := deps.openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := closeStore(closeCtx); err != nil {
			logger.Warn("close conversation store", "error", err)
		}
	}()

	temp := cfg.Temperature
	sess, err := session.New(session.Config{
		Transport: deps.newNegotiator(cfg, logger),
		Tools:     demoTools(nil),
		Store:     store,
		Notifier: session.NotifierFunc(func(n session.Notification) {
			fmt.Fprintf(out, "[%s] %s\n", n.Level, n.Message)
		}),
		Logger:  logger,
		Metrics: m,
		Defaults: session.Defaults{
			Voice:              cfg.Voice,
			Persona:            cfg.Persona,
			Instructions:       cfg.Instructions,
			Temperature:        &temp,
			Modalities:         []string{"audio", "text"},
			TranscriptionModel: cfg.TranscriptionModel,
		},
		ToolTimeout:    cfg.ToolTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		OnEntry: func(e conversation.Entry) {
			printEntry(out, e)
		},
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		sess.Stop()
		// In-flight tool calls append to the store, which closes after this.
		waited := make(chan struct{})
		go func() {
			sess.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(shutdownGracePeriod):
			logger.Warn("tool calls still running at shutdown")
		}
	}()

	adminErrCh := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		adminSrv := buildAdminServer(cfg.MetricsAddr, m, sess)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErrCh <- err
			}
		}()
		logger.Info("serving admin endpoints", "addr", cfg.MetricsAddr)
		defer func() {
			if err := shutdownServer(adminSrv); err != nil {
				logger.Warn("shutdown admin server", "error", err)
			}
		}()
	}

	logger.Info("connecting", "transport", cfg.Transport, "model", cfg.Model, "room_id", cfg.RoomID)
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Fprintln(out, "Connected. Type a message, or /help for commands.")

	lines := make(chan string)
	readErrCh := make(chan error, 1)
	go readLines(in, lines, readErrCh)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	r := &repl{session: sess, out: out}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		case err := <-readErrCh:
			return fmt.Errorf("read input: %w", err)
		case err := <-adminErrCh:
			return fmt.Errorf("serve admin: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			return nil
		}
	}
}

func shutdownServer(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

func runMain(ctx context.Context, in io.Reader, out, stderr io.Writer, deps realtimeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if out == nil {
		out = os.Stdout
	}
	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "vai-realtime: %v\n", err)
		return 1
	}
	if err := runRealtime(ctx, in, out, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-realtime: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stdin, os.Stdout, os.Stderr, defaultRealtimeDeps()))
}
