/*
Copyright 2026 The Merlya Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cli implements the CLI/REPL Glue (component C10): a thin surface
// translating user intent into dispatcher invocations, per spec §6's CLI
// sketch. This is deliberately "not the core" (spec §1's out-of-scope list
// names the REPL and slash-command surface as external collaborators); what
// lives here is the minimal one-shot/administrative surface spec §6
// describes, built the way the teacher wires its own tctl/tsh commands:
// one kingpin.CmdClause per verb, a switch in Run dispatching on
// FullCommand().
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/m-kis/merlya/internal/audit"
	"github.com/m-kis/merlya/internal/breaker"
	"github.com/m-kis/merlya/internal/config"
	"github.com/m-kis/merlya/internal/dispatcher"
	"github.com/m-kis/merlya/internal/loopdetect"
	"github.com/m-kis/merlya/internal/merlyalog"
	"github.com/m-kis/merlya/internal/sshpool"
	"github.com/m-kis/merlya/internal/store"
	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// Exit codes, per spec §6's CLI surface sketch.
const (
	ExitOK                   = 0
	ExitUnspecifiedFailure   = 1
	ExitUsageError           = 2
	ExitBreakerOpen          = 3
	ExitConfirmationRequired = 4
	ExitElevationMissing     = 5
	ExitCancelledOrTimeout   = 6
)

// App owns every process-wide singleton spec §5 names (store, pool, breaker
// manager, audit sink, loop detector) and the kingpin command tree. Build
// exactly one per process via New; tests build their own via New and
// discard it.
type App struct {
	kp      *kingpin.Application
	store   *store.Store
	pool    *sshpool.Pool
	audit   *audit.Sink
	runtime *dispatcher.Runtime

	debug   *bool
	yesMode *bool

	host   *hostCommands
	secret *secretCommands
	exec   *execCommands
}

// New constructs the CLI application and wires every component named in
// SPEC_FULL.md §2's component table. homeDir is typically config.HomeDir();
// callers pass it explicitly so tests can point at a temp directory instead
// of the real ~/.merlya.
func New(homeDir string) (*App, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, err
	}

	if err := merlyalog.InitWithFile(merlyalog.ForCLI, logrus.InfoLevel, homeDir); err != nil {
		return nil, trace.Wrap(err)
	}

	st, err := store.Open(filepath.Join(homeDir, "inventory.db"), store.WithSecretTTLSeconds(int(cfg.Secrets.TTL().Seconds())))
	if err != nil {
		return nil, err
	}

	breakerMgr := breaker.NewManager(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenDuration(), nil)

	pool := sshpool.New(st, st, breakerMgr, sshpool.Options{
		ConnectTimeout:     cfg.SSH.ConnectTimeout(),
		KeepaliveInterval:  cfg.SSH.KeepaliveInterval(),
		IdleTTL:            cfg.SSH.IdleTTL(),
		MaxSessionsPerHost: cfg.SSH.MaxSessionsPerHost,
		MaxInflightTotal:   cfg.SSH.MaxInflightTotal,
	})

	auditSink := audit.New(st, prometheus.NewRegistry())
	detector := loopdetect.New(cfg.Loop.Window)

	rt := &dispatcher.Runtime{
		Store:               st,
		Secrets:             st,
		Pool:                poolAdapter{pool},
		Breaker:             breakerMgr,
		Detector:            detector,
		Audit:               auditSink,
		ElevationCredential: elevationCredentialFetcher(st),
		Options: dispatcher.Options{
			CommandTimeout: cfg.SSH.CommandTimeout(),
			YesMode:        cfg.Exec.YesMode,
			AllowCritical:  cfg.Exec.AllowCritical,
		},
	}

	app := &App{
		store:   st,
		pool:    pool,
		audit:   auditSink,
		runtime: rt,
	}
	app.build()
	return app, nil
}

// Close tears down every process-wide singleton in the documented order of
// spec §5: pool first (closes sessions), then the store (clears the
// secret cache).
func (a *App) Close() error {
	var errs []error
	if err := a.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}

func (a *App) build() {
	a.kp = kingpin.New("merlya", "Natural-language SSH fleet assistant (execution substrate CLI).")
	a.debug = a.kp.Flag("debug", "Enable verbose logging to stderr.").Bool()
	a.yesMode = a.kp.Flag("yes", "Skip moderate-risk confirmation prompts (exec.yes_mode).").Bool()

	a.host = newHostCommands(a.kp, a.store)
	a.secret = newSecretCommands(a.kp, a.store)
	a.exec = newExecCommands(a.kp, a.runtime)
}

// Run parses args and executes the matched command, returning the process
// exit code spec §6 enumerates. It never calls os.Exit itself, so callers
// (cmd/merlya, and tests) control process teardown.
func (a *App) Run(ctx context.Context, args []string) int {
	cmd, err := a.kp.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUsageError
	}
	if *a.debug {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetOutput(os.Stderr)
	}
	if *a.yesMode {
		a.runtime.Options.YesMode = true
	}

	switch {
	case a.host.matches(cmd):
		err = a.host.run(ctx, cmd)
	case a.secret.matches(cmd):
		err = a.secret.run(ctx, cmd)
	case a.exec.matches(cmd):
		err = a.exec.run(ctx, cmd)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return ExitUsageError
	}

	if err == nil {
		return ExitOK
	}
	return renderError(err)
}

// renderError prints the one-line-cause-plus-guidance contract of spec §7
// and maps the error's Kind to the exit code table of spec §6.
func renderError(err error) int {
	var e *merlyaerr.Error
	if errors.As(err, &e) {
		fmt.Fprintln(os.Stderr, e.UserMessage())
		switch e.Kind {
		case merlyaerr.KindBreakerOpen:
			return ExitBreakerOpen
		case merlyaerr.KindConfirmRequired:
			return ExitConfirmationRequired
		case merlyaerr.KindElevationMissing:
			return ExitElevationMissing
		case merlyaerr.KindCancelled:
			return ExitCancelledOrTimeout
		case merlyaerr.KindValidation:
			return ExitUsageError
		default:
			return ExitUnspecifiedFailure
		}
	}
	fmt.Fprintln(os.Stderr, err.Error())
	if trace.IsBadParameter(err) {
		return ExitUsageError
	}
	return ExitUnspecifiedFailure
}
