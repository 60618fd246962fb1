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

package store

import (
	"regexp"

	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// maxJumpDepth bounds the jump-host chain per spec §3: "depth bound 4".
const maxJumpDepth = 4

// dnsLabelRE approximates the DNS-label grammar spec §3 requires for a host
// name: lowercase letters, digits, and hyphens, not starting or ending with
// a hyphen. Dots are additionally allowed so fully-qualified aliases (e.g.
// "db-01.internal") are valid names too.
var dnsLabelRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-\.]*[a-z0-9])?$`)

func validateHostName(name string) error {
	if name == "" {
		return merlyaerr.Validation("host name must not be empty")
	}
	if len(name) > 253 {
		return merlyaerr.Validation("host name %q exceeds 253 bytes", name)
	}
	if !dnsLabelRE.MatchString(name) {
		return merlyaerr.Validation("host name %q does not match the DNS-label grammar", name)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return merlyaerr.Validation("port %d out of range 1..65535", port)
	}
	return nil
}

var secretNameRE = regexp.MustCompile(`^[A-Za-z0-9_\-:./]+$`)

func validSecretName(name string) bool {
	return name != "" && secretNameRE.MatchString(name)
}
