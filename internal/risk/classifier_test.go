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

package risk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m-kis/merlya/internal/domain"
)

func TestClassify_Critical(t *testing.T) {
	cases := []string{
		"rm -rf /",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda bs=1M",
		"shutdown -h now",
		"killall -9 nginx",
		"echo root::0:0::/:/bin/sh >> /etc/passwd",
		"chown -R root:root /etc",
	}
	for _, cmd := range cases {
		got := Classify(cmd)
		require.Equal(t, domain.RiskCritical, got.Level, "command: %s", cmd)
	}
}

func TestClassify_Moderate(t *testing.T) {
	cases := []string{
		"systemctl restart nginx",
		"apt-get install -y curl",
		"chmod 644 /home/user/file.txt",
		"kill -9 1234",
		"iptables -A INPUT -p tcp --dport 80 -j ACCEPT",
	}
	for _, cmd := range cases {
		got := Classify(cmd)
		require.Equal(t, domain.RiskModerate, got.Level, "command: %s", cmd)
	}
}

func TestClassify_Low(t *testing.T) {
	cases := []string{
		"ps aux",
		"df -h /",
		"cat /var/log/syslog",
		"systemctl status nginx",
		"ss -tuln",
	}
	for _, cmd := range cases {
		got := Classify(cmd)
		require.Equal(t, domain.RiskLow, got.Level, "command: %s", cmd)
	}
}

func TestDecide_LowRunsWithoutConfirmation(t *testing.T) {
	p := Decide(domain.Classification{Level: domain.RiskLow}, Options{})
	require.True(t, p.Permitted)
	require.False(t, p.RequiresConfirmation)
}

func TestDecide_ModerateRequiresConfirmationByDefault(t *testing.T) {
	p := Decide(domain.Classification{Level: domain.RiskModerate}, Options{})
	require.False(t, p.Permitted)
	require.True(t, p.RequiresConfirmation)
}

func TestDecide_ModerateYesMode(t *testing.T) {
	p := Decide(domain.Classification{Level: domain.RiskModerate}, Options{YesMode: true})
	require.True(t, p.Permitted)
}

func TestDecide_CriticalRequiresExplicitAllowFlag(t *testing.T) {
	// spec §9(ii): critical under yes_mode still requires allow_critical=true.
	p := Decide(domain.Classification{Level: domain.RiskCritical}, Options{YesMode: true})
	require.False(t, p.Permitted)
	require.True(t, p.RequiresConfirmation)

	p = Decide(domain.Classification{Level: domain.RiskCritical}, Options{YesMode: true, AllowCritical: true})
	require.True(t, p.Permitted)
}

func TestDecide_ConfirmAllGatesLowRisk(t *testing.T) {
	p := Decide(domain.Classification{Level: domain.RiskLow}, Options{ConfirmAll: true})
	require.True(t, p.RequiresConfirmation)
}
