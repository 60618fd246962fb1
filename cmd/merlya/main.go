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

// Command merlya is the CLI entry point for the execution substrate: it
// constructs the process-wide singletons spec §5 names and dispatches a
// single subcommand, mirroring the structure of the teacher's tool/tbot
// and tool/tctl main packages without their federation/proxy machinery,
// which this module has no use for.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-kis/merlya/internal/cli"
	"github.com/m-kis/merlya/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := config.HomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitUnspecifiedFailure
	}

	app, err := cli.New(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitUnspecifiedFailure
	}
	defer app.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx, os.Args[1:])
}
