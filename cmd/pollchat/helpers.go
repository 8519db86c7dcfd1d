package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/pollchat"
)

// loadEnvFile loads POLLCHAT_* variables from path. A missing file is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to load %s", path)
	}
	return nil
}

// ============================================================================
// Session persistence
// ============================================================================

// fileTokens is a TokenStore backed by the [auth] section of the config
// file. cfg mirrors the file as loaded; overrides never reach it. access is
// the token in effect, which POLLCHAT_TOKEN may replace for one run.
type fileTokens struct {
	mu     sync.Mutex
	cfg    *Config
	access string
}

func newFileTokens(file *Config, access string) *fileTokens {
	return &fileTokens{cfg: file, access: access}
}

func (f *fileTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access
}

func (f *fileTokens) SetTokens(t pollchat.Tokens) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = t.Access
	f.cfg.Auth.Access = t.Access
	f.cfg.Auth.Refresh = t.Refresh
	return saveConfig(f.cfg)
}

func (f *fileTokens) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = ""
	f.cfg.Auth = ConfigAuth{}
	return saveConfig(f.cfg)
}

// setIdentity records who the stored token belongs to.
func (f *fileTokens) setIdentity(me *pollchat.Me) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Auth.Username = me.Username
	f.cfg.Auth.UserID = strconv.FormatInt(int64(me.ID), 10)
	return saveConfig(f.cfg)
}

// ============================================================================
// Client construction
// ============================================================================

// session bundles everything a command needs to talk to the service. cfg is
// the effective configuration (file, then environment, then flags) and is
// never written back.
type session struct {
	cfg     *Config
	tokens  *fileTokens
	client  *pollchat.Client
	logger  zerolog.Logger
	metrics *pollchat.Metrics
}

func newLogger(w io.Writer, level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// effectiveConfig returns a copy of file with environment and flag
// overrides applied.
func effectiveConfig(file *Config) *Config {
	cfg := *file
	applyEnv(&cfg)
	if flagBaseURL != "" {
		cfg.Default.BaseURL = flagBaseURL
	}
	if flagLogLevel != "" {
		cfg.Default.LogLevel = flagLogLevel
	}
	return &cfg
}

// openSession loads config, applies env and flag overrides, and builds a
// client. logOut receives the log stream; nil means stderr.
func openSession(logOut io.Writer) (*session, error) {
	file, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	cfg := effectiveConfig(file)

	console := logOut == nil
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := newLogger(logOut, cfg.Default.LogLevel, console)

	s := &session{
		cfg:    cfg,
		tokens: newFileTokens(file, cfg.Auth.Access),
		logger: logger,
	}

	if flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		s.metrics = pollchat.NewMetrics(reg)
		go serveMetrics(flagMetricsAddr, reg, logger)
	}

	opts := []pollchat.ClientOption{
		pollchat.WithTokenStore(s.tokens),
		pollchat.WithClientLogger(logger),
		pollchat.WithClientMetrics(s.metrics),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pollchat.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.RegisterPath != "" {
		opts = append(opts, pollchat.WithRegisterPath(cfg.Default.RegisterPath))
	}
	s.client = pollchat.NewClient(opts...)
	return s, nil
}

// openAuthedSession is openSession for commands that need a stored token.
func openAuthedSession(logOut io.Writer) (*session, error) {
	s, err := openSession(logOut)
	if err != nil {
		return nil, err
	}
	if s.tokens.AccessToken() == "" {
		return nil, errors.New("not logged in; run 'pollchat login <username>' first")
	}
	return s, nil
}

// engineOptions returns the shared engine options for this session.
func (s *session) engineOptions() []pollchat.Option {
	return []pollchat.Option{
		pollchat.WithLogger(s.logger),
		pollchat.WithMetrics(s.metrics),
		pollchat.WithPollIntervals(s.cfg.Poll.pollIntervals()),
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// resolveUser finds a directory entry by username or numeric id.
func resolveUser(ctx context.Context, client *pollchat.Client, ref string) (*pollchat.User, error) {
	users, err := client.Users(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	id, idErr := strconv.ParseInt(ref, 10, 64)
	for i := range users {
		if strings.EqualFold(users[i].Username, ref) || (idErr == nil && users[i].ID == pollchat.UserID(id)) {
			return &users[i], nil
		}
	}
	return nil, errors.Errorf("no user %q", ref)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func logFilePath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pollchat.log"), nil
}
