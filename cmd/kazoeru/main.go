package main

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/ropes/kazoeru/cmd/kazoeru/cmd"
	"github.com/ropes/kazoeru/pkg/view"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

const flagConfig = "config"

var configFile *string

var rootCmd = &cobra.Command{
	Use:          "kazoeru",
	Short:        "http server counting the requests made to it",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	// Cobra configuration
	fs := rootCmd.PersistentFlags()
	configFile = fs.String(flagConfig, "", "optional config file (yaml, json or toml)")
	cmd.DefineFlags(fs)
}

// configuration initializes logging. The returned func releases the log
// file, if one was opened.
func configuration(cfg cmd.Config) (*log.Logger, func() error) {
	logLevelVal, err := log.ParseLevel(cfg.LogLevel)
	logger := log.New()
	if err != nil {
		logger.Fatalf("error parsing loglevel configuration: %v", err)
	}
	logger.SetLevel(logLevelVal)

	closer := func() error { return nil }
	switch cfg.LogSink {
	case "":
		if cfg.Dashboard {
			// The dashboard owns the terminal.
			logger.SetOutput(io.Discard)
		} else {
			logger.SetOutput(os.Stdout)
		}
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		lf, err := os.OpenFile(cfg.LogSink, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			logger.Fatalf("unable to open %q for logging", cfg.LogSink)
		}
		logger.SetOutput(lf)
		closer = lf.Close
	}
	return logger, closer
}

func catchCancelSignal(can context.CancelFunc, sig ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sig...)
	go func() {
		<-c
		can()
	}()
}

func run(c *cobra.Command, args []string) error {
	v := viper.GetViper()
	if err := cmd.BindViper(v, c.PersistentFlags(), *configFile); err != nil {
		return err
	}
	cfg, err := cmd.LoadConfig(v)
	if err != nil {
		return err
	}
	logger, closer := configuration(cfg)
	defer closer()

	// Catch shutdown signals
	runCtx, can := context.WithCancel(context.Background())
	catchCancelSignal(can, unix.SIGINT, unix.SIGHUP, unix.SIGTERM, unix.SIGQUIT)
	defer can()

	app := cmd.NewKazoeru(runCtx, cfg, logger)
	if cfg.Dashboard {
		dash, err := view.Init(cfg.TopN)
		if err != nil {
			return err
		}
		app.Init(dash)
		dashDone := make(chan struct{})
		go func() {
			dash.Run(runCtx, can)
			close(dashDone)
		}()
		// Restore the terminal before exiting.
		defer func() { <-dashDone }()
	} else {
		app.Init(nil)
	}

	logger.WithFields(log.Fields{
		"addr":          cfg.Server.Addr,
		"vhost":         cfg.Server.VHost,
		"poison_policy": cfg.Server.PoisonPolicy,
	}).Info("kazoeru starting")
	err = app.Run()
	can()
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
