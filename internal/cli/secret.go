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
	"context"
	"fmt"
	"os"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"golang.org/x/term"

	"github.com/m-kis/merlya/internal/store"
)

// secretCommands implements `merlya secret set|clear|config-set`, wrapping
// the Secret Resolver's backing store (spec §4.1/§4.2). Secret values are
// always read from the terminal with echo disabled rather than taken as a
// command argument, so a secret never appears in shell history or `ps`;
// config-set takes its non-sensitive value as an argument.
type secretCommands struct {
	store *store.Store

	set       *kingpin.CmdClause
	clear     *kingpin.CmdClause
	configSet *kingpin.CmdClause

	name  string
	value string
}

func newSecretCommands(app *kingpin.Application, st *store.Store) *secretCommands {
	s := &secretCommands{store: st}

	secret := app.Command("secret", "Manage secret and config credentials.")

	s.set = secret.Command("set", "Set a secret value, read from the terminal with echo disabled.")
	s.set.Arg("name", "Secret name.").Required().StringVar(&s.name)

	s.clear = secret.Command("clear", "Remove a secret from the cache and keyring.")
	s.clear.Arg("name", "Secret name.").Required().StringVar(&s.name)

	s.configSet = secret.Command("config-set", "Set a non-sensitive, persisted config value.")
	s.configSet.Arg("name", "Config name.").Required().StringVar(&s.name)
	s.configSet.Arg("value", "Config value.").Required().StringVar(&s.value)

	return s
}

func (s *secretCommands) matches(cmd string) bool {
	switch cmd {
	case s.set.FullCommand(), s.clear.FullCommand(), s.configSet.FullCommand():
		return true
	default:
		return false
	}
}

func (s *secretCommands) run(ctx context.Context, cmd string) error {
	switch cmd {
	case s.set.FullCommand():
		return s.runSet(ctx)
	case s.clear.FullCommand():
		return s.store.SecretClear(ctx, s.name)
	case s.configSet.FullCommand():
		return s.store.ConfigSet(ctx, s.name, s.value)
	default:
		return trace.BadParameter("unhandled secret subcommand %q", cmd)
	}
}

func (s *secretCommands) runSet(ctx context.Context) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return trace.BadParameter("secret set requires an interactive terminal")
	}
	fmt.Fprintf(os.Stderr, "value for %s: ", s.name)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	return s.store.SecretSet(ctx, s.name, string(raw))
}
