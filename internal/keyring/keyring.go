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

// Package keyring wraps the OS keyring as the opaque capability described in
// spec §6: set/get/delete, with graceful degradation to "unavailable" when
// no backend can be opened (e.g. a headless CI runner).
package keyring

import (
	"sync"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
)

const serviceName = "merlya"

// Adapter is the black-box capability contract from spec §6.
type Adapter interface {
	Set(key, value string) error
	Get(key string) (string, bool, error)
	Delete(key string) error
	// Available reports whether a real backend was opened. When false, the
	// store falls back to in-memory-only secret handling.
	Available() bool
}

type osAdapter struct {
	ring keyring.Keyring
}

var warnOnce sync.Once

// Open attempts to open the OS-native keyring backend. On failure it logs a
// one-time warning and returns an Adapter that reports Available()==false;
// callers must treat that as "degrade to in-memory only", never as an error.
func Open() Adapter {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
	})
	if err != nil {
		warnOnce.Do(func() {
			logrus.WithError(err).Warn("no OS keyring backend available; secrets will not persist across process restarts")
		})
		return &unavailableAdapter{}
	}
	return &osAdapter{ring: ring}
}

func (a *osAdapter) Set(key, value string) error {
	return a.ring.Set(keyring.Item{Key: key, Data: []byte(value)})
}

func (a *osAdapter) Get(key string) (string, bool, error) {
	item, err := a.ring.Get(key)
	if err != nil {
		if err == keyring.ErrKeyNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return string(item.Data), true, nil
}

func (a *osAdapter) Delete(key string) error {
	err := a.ring.Remove(key)
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return err
}

func (a *osAdapter) Available() bool { return true }

type unavailableAdapter struct{}

func (*unavailableAdapter) Set(string, string) error        { return nil }
func (*unavailableAdapter) Get(string) (string, bool, error) { return "", false, nil }
func (*unavailableAdapter) Delete(string) error              { return nil }
func (*unavailableAdapter) Available() bool                  { return false }
