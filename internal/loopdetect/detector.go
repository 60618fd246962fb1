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

// Package loopdetect implements the Loop Detector (component C4): windowed
// observation of tool-call traces, emitting a RedirectSignal when the agent
// appears to be repeating itself. See spec §4.4.
package loopdetect

import (
	"fmt"
	"sync"

	"github.com/m-kis/merlya/internal/domain"
)

// RedirectSignal is the structured advisory the detector emits. It is never
// a hard error — the dispatcher surfaces it and lets the caller change
// approach, per the open question resolved in spec §9(iii).
type RedirectSignal struct {
	Advisory string
}

// Detector watches the last Window tool-call trace entries for one logical
// session (typically one per dispatcher Runtime). It is safe for concurrent
// use.
type Detector struct {
	mu      sync.Mutex
	window  int
	entries []domain.ToolCall
	// consumed tracks signatures whose signal has already been surfaced
	// once; it is cleared for a signature as soon as a fresh entry for that
	// signature arrives, per spec §8 scenario 6 ("the counter resets after
	// the advisory is consumed once").
	consumed map[string]bool
}

// New constructs a Detector with the given window size. Window==0 disables
// the detector entirely, per spec §8's boundary behavior.
func New(window int) *Detector {
	return &Detector{window: window, consumed: make(map[string]bool)}
}

func signature(toolName, argumentsHash string) string {
	return toolName + "\x00" + argumentsHash
}

// Observe appends a trace entry to the window, evicting the oldest entry
// once the window is full.
func (d *Detector) Observe(call domain.ToolCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window <= 0 {
		return
	}
	sig := signature(call.ToolName, call.ArgumentsHash)
	delete(d.consumed, sig)

	d.entries = append(d.entries, call)
	if len(d.entries) > d.window {
		d.entries = d.entries[len(d.entries)-d.window:]
	}
}

// Check evaluates whether the given (tool, argumentsHash) signature is
// currently subject to a redirect, per the three patterns in spec §4.4. It
// returns nil when window==0 (disabled) or when no pattern matches, or when
// the signal for this signature was already consumed since its last fresh
// observation.
func (d *Detector) Check(toolName, argumentsHash string) *RedirectSignal {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window <= 0 {
		return nil
	}
	sig := signature(toolName, argumentsHash)
	if d.consumed[sig] {
		return nil
	}

	if n := countErrors(d.entries, toolName, argumentsHash); n >= 3 {
		d.consumed[sig] = true
		return &RedirectSignal{Advisory: fmt.Sprintf("previous attempt failed %d times; change approach", n)}
	}

	if n := countAny(d.entries, toolName, argumentsHash); n >= 5 {
		d.consumed[sig] = true
		return &RedirectSignal{Advisory: fmt.Sprintf("the same call has been made %d times with identical arguments; change approach", n)}
	}

	if hasAlternation(d.entries, 4) {
		d.consumed[sig] = true
		return &RedirectSignal{Advisory: "an alternating A,B,A,B pattern was detected; change approach"}
	}

	return nil
}

func countErrors(entries []domain.ToolCall, toolName, argumentsHash string) int {
	n := 0
	for _, e := range entries {
		if e.ToolName == toolName && e.ArgumentsHash == argumentsHash && e.Result == domain.ResultError {
			n++
		}
	}
	return n
}

func countAny(entries []domain.ToolCall, toolName, argumentsHash string) int {
	n := 0
	for _, e := range entries {
		if e.ToolName == toolName && e.ArgumentsHash == argumentsHash {
			n++
		}
	}
	return n
}

// hasAlternation detects an A,B,A,B,... run of at least minLen consecutive
// entries at the tail of the window, where A and B are distinct
// (tool, argumentsHash) signatures each repeated with identical arguments.
func hasAlternation(entries []domain.ToolCall, minLen int) bool {
	if len(entries) < minLen {
		return false
	}
	tail := entries[len(entries)-minLen:]
	sigA := signature(tail[0].ToolName, tail[0].ArgumentsHash)
	sigB := signature(tail[1].ToolName, tail[1].ArgumentsHash)
	if sigA == sigB {
		return false
	}
	for i, e := range tail {
		want := sigA
		if i%2 == 1 {
			want = sigB
		}
		if signature(e.ToolName, e.ArgumentsHash) != want {
			return false
		}
	}
	return true
}
