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

package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/m-kis/merlya/internal/dispatcher"
	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// execCommands implements the one-shot `merlya exec` surface (spec §6): a
// single run_on_host call through the dispatcher, with an interactive
// confirmation prompt for moderate/critical commands when the call is run
// from a terminal.
type execCommands struct {
	runtime *dispatcher.Runtime

	runClause *kingpin.CmdClause

	hostRef string
	command string
	confirm bool
}

func newExecCommands(app *kingpin.Application, rt *dispatcher.Runtime) *execCommands {
	e := &execCommands{runtime: rt}

	e.runClause = app.Command("exec", "Run a single command on one host.")
	e.runClause.Arg("host", "Host name or hostname reference.").Required().StringVar(&e.hostRef)
	e.runClause.Arg("command", "Shell command to execute.").Required().StringVar(&e.command)
	e.runClause.Flag("confirm", "Treat this call as already confirmed; unlike --yes, this also permits critical-risk commands.").BoolVar(&e.confirm)

	return e
}

func (e *execCommands) matches(cmd string) bool {
	return cmd == e.runClause.FullCommand()
}

// run performs one run_on_host call, correlating it with a fresh request ID
// for log correlation across the dispatcher's own structured log lines. A
// ConfirmationRequired result is handled here, interactively, rather than in
// the dispatcher, which has no notion of a terminal (spec §4.8's note that
// the confirmation step is a caller concern).
func (e *execCommands) run(ctx context.Context, cmd string) error {
	correlationID := uuid.New().String()
	log := logrus.WithField("correlation_id", correlationID)

	confirmed := e.confirm
	for {
		result, err := e.runtime.Run(ctx, dispatcher.RunParams{
			HostRef:   e.hostRef,
			Command:   e.command,
			Confirmed: confirmed,
		})
		if err == nil {
			log.WithField("host", e.hostRef).Info("run_on_host completed")
			os.Stdout.Write(result.Stdout)
			os.Stderr.Write(result.Stderr)
			if result.ExitCode != 0 {
				return trace.Errorf("command exited %d", result.ExitCode)
			}
			return nil
		}

		if !merlyaerr.Is(err, merlyaerr.KindConfirmRequired) || confirmed {
			log.WithError(err).Warn("run_on_host failed")
			return err
		}

		ok, askErr := e.promptConfirmation(err.Error())
		if askErr != nil {
			return askErr
		}
		if !ok {
			return merlyaerr.Cancelled()
		}
		confirmed = true
	}
}

func (e *execCommands) promptConfirmation(rationale string) (bool, error) {
	if !isInteractive() {
		return false, trace.BadParameter("confirmation required but not running interactively: %s", rationale)
	}
	fmt.Fprintf(os.Stderr, "%s\nproceed? [y/N] ", rationale)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, trace.ConvertSystemError(err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func isInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
