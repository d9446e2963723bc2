package main

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "gostate-server",
		Short: "HTTP and websocket front end for the goState engine",
		Long: `gostate-server exposes rate-limited login, session and presence endpoints
backed by Redis, plus a websocket gateway that tracks connections and rooms.

Flags default to the matching GOSTATE_* environment variable. A .env file
in the working directory is loaded before flags are parsed.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.logLevel, "log-level", envOr("GOSTATE_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", envOr("GOSTATE_LOG_FORMAT", "text"), "log format: text or json")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newHashCmd())
	root.AddCommand(newCheckConfigCmd())
	return root
}

func newLogger(g *globalFlags) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(g.logLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if strings.EqualFold(g.logFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
