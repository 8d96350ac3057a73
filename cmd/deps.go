package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joescharf/enroll/internal/grabber"
	"github.com/joescharf/enroll/internal/jwc"
	"github.com/joescharf/enroll/internal/logging"
	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/output"
	"github.com/joescharf/enroll/internal/race"
	"github.com/joescharf/enroll/internal/solver"
)

// buildLogger returns the file-backed system logger. The console is left to
// the UI so result lines and log lines never interleave on stdout.
func buildLogger() (*zap.Logger, error) {
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	file := viper.GetString("log.file")
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	return logging.New(logging.Config{
		Level:      level,
		File:       file,
		MaxSizeMB:  viper.GetInt("log.max_size_mb"),
		MaxBackups: viper.GetInt("log.max_backups"),
	})
}

// buildSolver returns the configured captcha solver.
func buildSolver() (jwc.Solver, error) {
	codeLength := viper.GetInt("solver.code_length")
	switch kind := strings.ToLower(viper.GetString("solver.kind")); kind {
	case "command", "":
		line := viper.GetString("solver.command")
		if line == "" {
			return nil, fmt.Errorf("solver.command is not set (run 'enroll config init' and set it, or use solver.kind: anthropic)")
		}
		return solver.NewCommand(line)
	case "anthropic":
		key := viper.GetString("anthropic.api_key")
		if key == "" {
			return nil, fmt.Errorf("anthropic.api_key is not set (or export ANTHROPIC_API_KEY)")
		}
		return solver.NewAnthropic(key, viper.GetString("anthropic.model"), codeLength), nil
	default:
		return nil, fmt.Errorf("unknown solver.kind %q (want command or anthropic)", kind)
	}
}

func endpointsFromConfig() ([]grabber.EndpointConfig, error) {
	var eps []grabber.EndpointConfig
	if err := viper.UnmarshalKey("endpoints", &eps); err != nil {
		return nil, fmt.Errorf("invalid endpoints: %w", err)
	}
	for i, ep := range eps {
		if ep.Host == "" {
			return nil, fmt.Errorf("endpoint %d (%s) has no host", i, ep.Name)
		}
		if ep.Name == "" {
			eps[i].Name = ep.Host
		}
	}
	return eps, nil
}

// grabberConfig assembles a grabber.Config from viper. withSolver is false
// for commands that never log in.
func grabberConfig(withSolver bool) (grabber.Config, error) {
	eps, err := endpointsFromConfig()
	if err != nil {
		return grabber.Config{}, err
	}
	cfg := grabber.Config{
		Credential: models.Credential{
			Username: viper.GetString("account.username"),
			Password: viper.GetString("account.password"),
		},
		Endpoints:    eps,
		CodeLength:   viper.GetInt("solver.code_length"),
		MaxAttempts:  viper.GetInt("login.max_attempts"),
		RetryDelay:   viper.GetDuration("login.retry_delay"),
		Timeout:      viper.GetDuration("http.timeout"),
		ClaimTimeout: viper.GetDuration("http.claim_timeout"),
		ProbeTimeout: viper.GetDuration("http.probe_timeout"),
		UserAgent:    viper.GetString("http.user_agent"),
	}
	if !withSolver {
		return cfg, nil
	}
	if !cfg.Credential.Valid() {
		return grabber.Config{}, fmt.Errorf("account.username and account.password must be set (ENROLL_ACCOUNT_USERNAME / ENROLL_ACCOUNT_PASSWORD)")
	}
	s, err := buildSolver()
	if err != nil {
		return grabber.Config{}, err
	}
	cfg.Solver = s
	return cfg, nil
}

// raceOptions reads the race.* keys.
func raceOptions() race.Options {
	return race.Options{
		Interval:     viper.GetDuration("race.interval"),
		Workers:      viper.GetInt("race.workers"),
		QueueSize:    viper.GetInt("race.queue_size"),
		SkipInFlight: viper.GetBool("race.skip_in_flight"),
	}
}

// consoleSink prints both event streams through the UI: results on stdout,
// system lines on stderr. Debug lines only show with --verbose.
func consoleSink() race.Sink {
	return race.Serialized(race.Funcs{
		OnResult: func(r race.Result) {
			ui.ResultLine(r.Succeeded, r.String())
		},
		OnSystem: func(e race.SystemEvent) {
			if e.Level < zapcore.InfoLevel && !verbose {
				return
			}
			ui.SystemLine(e.String())
		},
	})
}

// newGrabber opens the store, builds a grabber and loads the worklist.
// The returned cleanup closes sessions and flushes the logger.
func newGrabber(withSolver bool, extra race.Sink) (*grabber.Grabber, func(), error) {
	cfg, err := grabberConfig(withSolver)
	if err != nil {
		return nil, nil, err
	}
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}
	logger, err := buildLogger()
	if err != nil {
		return nil, nil, err
	}

	g := grabber.New(cfg, s, extra, logger)
	if err := g.Load(cmdContext()); err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		g.Close()
		_ = logger.Sync()
	}
	return g, cleanup, nil
}

// connect logs every endpoint in and prints the session table. It fails
// only when no endpoint authenticated.
func connect(g *grabber.Grabber) error {
	statuses, err := g.Connect(cmdContext())
	printSessions(statuses)
	return err
}

func printSessions(statuses []grabber.SessionStatus) {
	if len(statuses) == 0 {
		return
	}
	table := ui.Table([]string{"ENDPOINT", "BASE", "SESSION", "ERROR"})
	for _, st := range statuses {
		state := "logged in"
		if !st.Authenticated {
			state = "offline"
		}
		errText := ""
		if st.Err != nil {
			errText = st.Err.Error()
		}
		_ = table.Append([]string{st.Name, st.Base, stateColor(st.Authenticated, state), errText})
	}
	_ = table.Render()
}

func stateColor(ok bool, s string) string {
	if ok {
		return output.Green(s)
	}
	return output.Red(s)
}
