package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ropes/kazoeru/pkg/server"
	"github.com/ropes/kazoeru/pkg/traffic"
)

// Configuration keys shared by flags, environment and config file.
const (
	KeyAddr            = "addr"
	KeyAppName         = "app-name"
	KeyVHost           = "vhost"
	KeyPoisonPolicy    = "poison-policy"
	KeyMaxBodyBytes    = "max-body-bytes"
	KeyCORSOrigins     = "cors-origins"
	KeyReadTimeout     = "read-timeout"
	KeyWriteTimeout    = "write-timeout"
	KeyIdleTimeout     = "idle-timeout"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyAlertThreshold  = "alert-threshold"
	KeyAlertSpan       = "alert-span"
	KeyTopN            = "top-n"
	KeyReportInterval  = "report-interval"
	KeyConsumers       = "consumers"
	KeyDashboard       = "dashboard"
	KeyLogLevel        = "loglevel"
	KeyLogSink         = "logsink"
)

// Config is the complete runtime configuration of a Kazoeru app.
type Config struct {
	Server server.Config
	Alert  traffic.AlertConfig

	TopN           int
	ReportInterval time.Duration
	Consumers      int
	Dashboard      bool

	LogLevel string
	LogSink  string
}

// DefineFlags registers every configuration flag with its default.
func DefineFlags(fs *pflag.FlagSet) {
	sc := server.DefaultConfig()
	ac := traffic.DefaultAlertConfig()

	fs.String(KeyAddr, sc.Addr, "listen address")
	fs.String(KeyAppName, sc.AppName, "application name rendered by /hello")
	fs.String(KeyVHost, sc.VHost, "virtual host gating the /foo/ routes")
	fs.String(KeyPoisonPolicy, string(sc.PoisonPolicy), "poisoned request counter policy: fail or reset")
	fs.Int64(KeyMaxBodyBytes, sc.MaxBodyBytes, "largest body accepted by /echo")
	fs.StringSlice(KeyCORSOrigins, nil, "allowed CORS origins, CORS is disabled when empty")
	fs.Duration(KeyReadTimeout, sc.ReadTimeout, "http read timeout")
	fs.Duration(KeyWriteTimeout, sc.WriteTimeout, "http write timeout")
	fs.Duration(KeyIdleTimeout, sc.IdleTimeout, "http keep-alive idle timeout")
	fs.Duration(KeyShutdownTimeout, sc.ShutdownTimeout, "graceful shutdown budget")
	fs.Int(KeyAlertThreshold, ac.Threshold, "alerting threshold of http requests per alert span")
	fs.Duration(KeyAlertSpan, ac.Span, "trailing window the alert threshold applies to")
	fs.Int(KeyTopN, 10, "number of top routes reported")
	fs.Duration(KeyReportInterval, 5*time.Second, "top routes report interval")
	fs.Int(KeyConsumers, 5, "request tracking consumers")
	fs.Bool(KeyDashboard, false, "run the terminal dashboard")
	fs.String(KeyLogLevel, "info", "verbosity of logging")
	fs.String(KeyLogSink, "", "logging destination: stdout when blank, stderr, or a file path")
}

// LoadConfig reads a Config out of v and validates it.
func LoadConfig(v *viper.Viper) (Config, error) {
	policy, err := server.ParsePoisonPolicy(v.GetString(KeyPoisonPolicy))
	if err != nil {
		return Config{}, err
	}
	ac := traffic.DefaultAlertConfig()
	ac.Threshold = v.GetInt(KeyAlertThreshold)
	ac.Span = v.GetDuration(KeyAlertSpan)

	cfg := Config{
		Server: server.Config{
			Addr:            v.GetString(KeyAddr),
			AppName:         v.GetString(KeyAppName),
			VHost:           v.GetString(KeyVHost),
			PoisonPolicy:    policy,
			MaxBodyBytes:    v.GetInt64(KeyMaxBodyBytes),
			CORSOrigins:     v.GetStringSlice(KeyCORSOrigins),
			ReadTimeout:     v.GetDuration(KeyReadTimeout),
			WriteTimeout:    v.GetDuration(KeyWriteTimeout),
			IdleTimeout:     v.GetDuration(KeyIdleTimeout),
			ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		},
		Alert:          ac,
		TopN:           v.GetInt(KeyTopN),
		ReportInterval: v.GetDuration(KeyReportInterval),
		Consumers:      v.GetInt(KeyConsumers),
		Dashboard:      v.GetBool(KeyDashboard),
		LogLevel:       v.GetString(KeyLogLevel),
		LogSink:        v.GetString(KeyLogSink),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the app cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.Server.VHost == "" {
		errs = append(errs, errors.New("vhost must not be empty"))
	}
	if _, err := server.ParsePoisonPolicy(string(c.Server.PoisonPolicy)); err != nil {
		errs = append(errs, err)
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("max-body-bytes must be positive, have %d", c.Server.MaxBodyBytes))
	}
	if c.Alert.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("alert-threshold must be positive, have %d", c.Alert.Threshold))
	}
	if c.Alert.Span <= 0 {
		errs = append(errs, fmt.Errorf("alert-span must be positive, have %v", c.Alert.Span))
	}
	if c.TopN <= 0 {
		errs = append(errs, fmt.Errorf("top-n must be positive, have %d", c.TopN))
	}
	if c.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("report-interval must be positive, have %v", c.ReportInterval))
	}
	if c.Consumers <= 0 {
		errs = append(errs, fmt.Errorf("consumers must be positive, have %d", c.Consumers))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

var envKeyReplacer = strings.NewReplacer("-", "_")

// BindViper attaches fs, KAZOERU_* environment variables and an optional
// config file to v.
func BindViper(v *viper.Viper, fs *pflag.FlagSet, configFile string) error {
	v.SetEnvPrefix("kazoeru")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %q: %w", configFile, err)
	}
	return nil
}
