package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goState "github.com/MrEthical07/goState"
	"github.com/MrEthical07/goState/gateway"
	"github.com/MrEthical07/goState/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	addr          string
	redisAddr     string
	redisPassword string
	redisDB       int
	embedded      bool
	configPath    string
	usersPath     string
	demoUsers     []string
	requireWSAuth bool
	metrics       bool
	failOpen      bool
	auditLog      bool
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(g)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, f, logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", envOr("GOSTATE_ADDR", ":8080"), "listen address")
	fl.StringVar(&f.redisAddr, "redis-addr", envOr("GOSTATE_REDIS_ADDR", "127.0.0.1:6379"), "redis address")
	fl.StringVar(&f.redisPassword, "redis-password", os.Getenv("GOSTATE_REDIS_PASSWORD"), "redis password")
	fl.IntVar(&f.redisDB, "redis-db", 0, "redis database")
	fl.BoolVar(&f.embedded, "embedded-redis", false, "run an in-process miniredis instead of connecting to redis")
	fl.StringVar(&f.configPath, "config", envOr("GOSTATE_CONFIG", ""), "engine YAML config")
	fl.StringVar(&f.usersPath, "users", envOr("GOSTATE_USERS", ""), "YAML users file (identifier: {id, role, hash})")
	fl.StringSliceVar(&f.demoUsers, "demo-user", nil, "add an account as identifier:secret:id[:role]; repeatable")
	fl.BoolVar(&f.requireWSAuth, "require-ws-auth", false, "reject websocket upgrades without a session token")
	fl.BoolVar(&f.metrics, "metrics", true, "serve engine metrics at /metrics")
	fl.BoolVar(&f.failOpen, "fail-open", false, "admit rate-limited requests when redis is unavailable")
	fl.BoolVar(&f.auditLog, "audit-log", true, "write audit events to the log at info level")
	return cmd
}

func runServe(ctx context.Context, f *serveFlags, logger *logrus.Logger) error {
	cfg, err := loadEngineConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.metrics {
		cfg.Metrics.Enabled = true
		cfg.Metrics.EnableLatencyHistograms = true
	}
	if f.failOpen {
		cfg.FailurePolicy = goState.FailOpen
	}
	if f.auditLog {
		cfg.Audit.Enabled = true
	}

	users, err := loadUsers(f)
	if err != nil {
		return err
	}

	redisAddr := f.redisAddr
	if f.embedded {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("embedded redis: %w", err)
		}
		defer mr.Close()
		redisAddr = mr.Addr()
		logger.WithField("addr", redisAddr).Warn("gostate-server: using embedded redis, state is lost on exit")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: f.redisPassword,
		DB:       f.redisDB,
	})
	defer rdb.Close()

	engine, err := goState.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLogger(logger).
		WithUserProvider(users).
		WithAuditSink(goState.NewLogSink(logger.WithField("component", "audit"))).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	_, err = engine.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}

	gw := gateway.New(engine, gateway.Config{RequireAuth: f.requireWSAuth})
	srv := &http.Server{
		Addr:              f.addr,
		Handler:           newServer(engine, gw, f.metrics).routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"addr": f.addr, "users": users.Len()}).Info("gostate-server: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("gostate-server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("gostate-server: websocket drain incomplete")
	}
	return srv.Shutdown(shutdownCtx)
}

func loadEngineConfig(path string) (goState.Config, error) {
	var (
		cfg goState.Config
		err error
	)
	if path == "" {
		cfg = goState.DefaultConfig()
	} else if cfg, err = goState.LoadConfigFile(path); err != nil {
		return cfg, err
	}

	if secret := os.Getenv("GOSTATE_TOKEN_SECRET"); secret != "" {
		cfg.Token.Enabled = true
		cfg.Token.SigningMethod = "hs256"
		cfg.Token.Secret = secret
	}
	return cfg, cfg.Validate()
}

func loadUsers(f *serveFlags) (*password.Directory, error) {
	h, err := password.NewHasher(password.DefaultParams())
	if err != nil {
		return nil, err
	}

	var dir *password.Directory
	if f.usersPath != "" {
		dir, err = password.LoadDirectory(f.usersPath, h)
	} else {
		dir, err = password.NewDirectory(h)
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range f.demoUsers {
		identifier, secret, principal, err := parseDemoUser(entry)
		if err != nil {
			return nil, err
		}
		if err := dir.Add(identifier, secret, principal); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

func parseDemoUser(entry string) (string, string, goState.Principal, error) {
	parts := strings.Split(entry, ":")
	if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", goState.Principal{}, fmt.Errorf("demo user %q: want identifier:secret:id[:role]", entry)
	}
	p := goState.Principal{ID: parts[2], Nickname: parts[0]}
	if len(parts) == 4 {
		p.Role = parts[3]
	}
	return parts[0], parts[1], p, nil
}
