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
	"strings"
	"text/tabwriter"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"

	"github.com/m-kis/merlya/internal/domain"
	"github.com/m-kis/merlya/internal/importer"
	"github.com/m-kis/merlya/internal/store"
)

// hostCommands implements `merlya host add|edit|delete|ls|import-ssh-config`,
// following the same Initialize/TryRun split the teacher's UserCommand uses
// (see tool/tctl/common/user_command.go), generalized from Teleport user
// accounts to Merlya's host inventory (spec §4.1).
type hostCommands struct {
	store *store.Store

	add     *kingpin.CmdClause
	edit    *kingpin.CmdClause
	remove  *kingpin.CmdClause
	list    *kingpin.CmdClause
	importC *kingpin.CmdClause

	name           string
	hostname       string
	port           int
	username       string
	privateKeyPath string
	jumpHost       string
	tags           []string
	elevation      string

	deleteReason string

	searchPattern string
	searchTag     string
	searchEnv     string
	searchGroup   string

	sshConfigPath string
	importSource  string
}

func newHostCommands(app *kingpin.Application, st *store.Store) *hostCommands {
	h := &hostCommands{store: st}

	host := app.Command("host", "Manage the host inventory.")

	h.add = host.Command("add", "Add or update a host.")
	h.add.Arg("name", "Host name.").Required().StringVar(&h.name)
	h.add.Flag("hostname", "Network address or IP.").StringVar(&h.hostname)
	h.add.Flag("port", "SSH port.").Default("22").IntVar(&h.port)
	h.add.Flag("user", "SSH username.").StringVar(&h.username)
	h.add.Flag("identity-file", "Private key path.").StringVar(&h.privateKeyPath)
	h.add.Flag("jump-host", "Name of a jump host already in the inventory.").StringVar(&h.jumpHost)
	h.add.Flag("tag", "Tag; repeat to add several.").StringsVar(&h.tags)
	h.add.Flag("elevation", "Elevation method: none, sudo, sudo_password, doas, doas_password, su.").
		Default("none").StringVar(&h.elevation)

	h.edit = host.Command("edit", "Update fields on an existing host.")
	h.edit.Arg("name", "Host name.").Required().StringVar(&h.name)
	h.edit.Flag("hostname", "Network address or IP.").StringVar(&h.hostname)
	h.edit.Flag("port", "SSH port.").IntVar(&h.port)
	h.edit.Flag("user", "SSH username.").StringVar(&h.username)
	h.edit.Flag("identity-file", "Private key path.").StringVar(&h.privateKeyPath)
	h.edit.Flag("jump-host", "Name of a jump host already in the inventory.").StringVar(&h.jumpHost)
	h.edit.Flag("tag", "Tag; repeat to replace the tag set.").StringsVar(&h.tags)
	h.edit.Flag("elevation", "Elevation method: none, sudo, sudo_password, doas, doas_password, su.").StringVar(&h.elevation)

	h.remove = host.Command("delete", "Delete a host (tombstoned, not purged).")
	h.remove.Arg("name", "Host name.").Required().StringVar(&h.name)
	h.remove.Flag("reason", "Reason recorded in the deletion tombstone.").StringVar(&h.deleteReason)

	h.list = host.Command("ls", "List hosts.")
	h.list.Flag("pattern", "Substring match against name or hostname.").StringVar(&h.searchPattern)
	h.list.Flag("tag", "Filter by tag.").StringVar(&h.searchTag)
	h.list.Flag("environment", "Filter by metadata[environment].").StringVar(&h.searchEnv)
	h.list.Flag("group", "Filter by metadata[group].").StringVar(&h.searchGroup)

	h.importC = host.Command("import-ssh-config", "Bulk-import hosts from an OpenSSH client config file.")
	h.importC.Arg("path", "Path to the ssh_config(5) file.").Required().StringVar(&h.sshConfigPath)
	h.importC.Flag("source-name", "Name recorded against inventory_sources.").Default("ssh_config").StringVar(&h.importSource)

	return h
}

func (h *hostCommands) matches(cmd string) bool {
	switch cmd {
	case h.add.FullCommand(), h.edit.FullCommand(), h.remove.FullCommand(), h.list.FullCommand(), h.importC.FullCommand():
		return true
	default:
		return false
	}
}

func (h *hostCommands) run(ctx context.Context, cmd string) error {
	switch cmd {
	case h.add.FullCommand():
		return h.runAdd(ctx)
	case h.edit.FullCommand():
		return h.runEdit(ctx)
	case h.remove.FullCommand():
		return h.store.DeleteHost(ctx, h.name, h.deleteReason)
	case h.list.FullCommand():
		return h.runList(ctx)
	case h.importC.FullCommand():
		return h.runImport(ctx)
	default:
		return trace.BadParameter("unhandled host subcommand %q", cmd)
	}
}

func (h *hostCommands) runAdd(ctx context.Context) error {
	attrs := store.HostAttrs{}
	if h.hostname != "" {
		attrs.Hostname = &h.hostname
	}
	if h.port != 0 {
		attrs.Port = &h.port
	}
	if h.username != "" {
		attrs.Username = &h.username
	}
	if h.privateKeyPath != "" {
		attrs.PrivateKeyPath = &h.privateKeyPath
	}
	if h.jumpHost != "" {
		attrs.JumpHostName = &h.jumpHost
	}
	if len(h.tags) > 0 {
		attrs.Tags = &h.tags
	}
	if h.elevation != "" {
		method := domain.ElevationMethod(h.elevation)
		attrs.ElevationMethod = &method
	}

	_, err := h.store.AddHost(ctx, h.name, attrs, "cli")
	return err
}

func (h *hostCommands) runEdit(ctx context.Context) error {
	return h.runAdd(ctx) // AddHost is a merge-UPSERT; edit and add share the same semantics (spec §4.1).
}

func (h *hostCommands) runList(ctx context.Context) error {
	hosts, err := h.store.SearchHosts(ctx, store.SearchFilter{
		Pattern:     h.searchPattern,
		Tag:         h.searchTag,
		Environment: h.searchEnv,
		Group:       h.searchGroup,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOSTNAME\tPORT\tUSER\tELEVATION\tHEALTH\tTAGS")
	for _, hh := range hosts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			hh.Name, hh.Hostname, hh.Port, hh.Username, hh.ElevationMethod, hh.HealthStatus, strings.Join(hh.Tags, ","))
	}
	return w.Flush()
}

func (h *hostCommands) runImport(ctx context.Context) error {
	f, err := os.Open(h.sshConfigPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	parsed, err := importer.ParseSSHConfig(f)
	if err != nil {
		return err
	}
	attrs := importer.ToHostAttrs(parsed)
	count, err := h.store.BulkAddHosts(ctx, attrs, h.importSource, "ssh_config", "cli")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "imported %d hosts from %s\n", count, h.sshConfigPath)
	return nil
}
