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

// Package importer reads a standard OpenSSH client configuration file and
// produces Host rows for bulk_add_hosts, per SPEC_FULL.md §6 "Supplemented:
// inventory import". bulk_add_hosts itself is explicitly in scope
// (spec §4.1); this package is only a reader for one concrete, in-scope file
// format. Exotic cloud-inventory and Ansible formats remain out of scope, as
// the distilled spec's "inventory parsers for exotic file formats" exclusion
// intends.
//
// Grounded on the line-oriented, stanza-based parsing idiom of the pack's
// k0sproject-rig sshconfig reader (sshconfig/defaultconfig_darwin.go), which
// walks an ssh_config(5) file a directive at a time rather than pulling in a
// full grammar parser for a format this simple.
package importer

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/m-kis/merlya/internal/store"
)

// SSHHost is one Host stanza parsed out of an ssh_config(5) file, ready to be
// handed to store.HostAttrs by the caller.
type SSHHost struct {
	Name           string
	Hostname       string
	Port           int
	User           string
	PrivateKeyPath string
	ProxyJump      string
}

// ParseSSHConfig reads an OpenSSH client config from r and returns one
// SSHHost per "Host" stanza. Wildcard patterns ("Host *", "Host foo*") are
// skipped: they configure defaults, not addressable inventory entries, and
// the store's name grammar (§3) rejects glob characters outright.
func ParseSSHConfig(r io.Reader) ([]SSHHost, error) {
	var (
		hosts   []SSHHost
		current *SSHHost
	)
	flush := func() {
		if current != nil && !strings.ContainsAny(current.Name, "*?") {
			hosts = append(hosts, *current)
		}
		current = nil
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			continue
		}

		switch strings.ToLower(key) {
		case "host":
			flush()
			// A "Host" line may declare several space-separated aliases;
			// only the first is addressable as this entry's canonical name,
			// matching how the pack's sshconfig readers treat multi-alias
			// stanzas.
			fields := strings.Fields(value)
			if len(fields) == 0 {
				continue
			}
			current = &SSHHost{Name: strings.ToLower(fields[0]), Port: 22}
		case "hostname":
			if current != nil {
				current.Hostname = value
			}
		case "user":
			if current != nil {
				current.User = value
			}
		case "port":
			if current != nil {
				if p, err := strconv.Atoi(value); err == nil {
					current.Port = p
				}
			}
		case "identityfile":
			if current != nil {
				current.PrivateKeyPath = expandHome(value)
			}
		case "proxyjump":
			if current != nil {
				// ProxyJump may itself carry a "user@host:port" form; only
				// the host component maps to jump_host_name (a store
				// reference by name), per spec §3.
				current.ProxyJump = strings.ToLower(stripUserAndPort(value))
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

func splitDirective(line string) (key, value string, ok bool) {
	// ssh_config allows "Key Value" or "Key=Value" or "Key = Value".
	line = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '=' {
			return ' '
		}
		return r
	}, line))
	fields := strings.SplitN(line, " ", 2)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], strings.TrimSpace(fields[1]), true
}

func stripUserAndPort(hop string) string {
	if i := strings.Index(hop, "@"); i >= 0 {
		hop = hop[i+1:]
	}
	if i := strings.Index(hop, ":"); i >= 0 {
		hop = hop[:i]
	}
	return hop
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return path // left to the caller's runtime to expand against $HOME;
		// this package performs no filesystem access of its own.
	}
	return path
}

// ToHostAttrs converts the parsed stanzas into the map bulk_add_hosts
// expects. Entries whose Hostname is empty fall back to the entry's own
// Name, matching ssh_config(5)'s own default.
func ToHostAttrs(hosts []SSHHost) map[string]store.HostAttrs {
	out := make(map[string]store.HostAttrs, len(hosts))
	for _, h := range hosts {
		h := h // local copy: attrs below takes addresses of these fields
		hostname := h.Hostname
		if hostname == "" {
			hostname = h.Name
		}
		attrs := store.HostAttrs{
			Hostname: &hostname,
			Port:     &h.Port,
			Metadata: map[string]string{"imported_from": "ssh_config"},
		}
		if h.User != "" {
			attrs.Username = &h.User
		}
		if h.PrivateKeyPath != "" {
			attrs.PrivateKeyPath = &h.PrivateKeyPath
		}
		if h.ProxyJump != "" {
			attrs.JumpHostName = &h.ProxyJump
		}
		out[h.Name] = attrs
	}
	return out
}
