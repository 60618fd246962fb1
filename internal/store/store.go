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

// Package store implements the Host & Credential Store (component C1):
// a SQLite-backed inventory of hosts with elevation metadata, plus an
// in-memory credential cache and a keyring adapter. See spec §4.1.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/m-kis/merlya/internal/domain"
	"github.com/m-kis/merlya/internal/keyring"
	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// Store is the process-wide owner of inventory.db and the resident secret
// cache. Construct one per process (or one per test via Open) — it must
// never be a package-level global, per spec §9.
type Store struct {
	db      *sql.DB
	clock   clockwork.Clock
	keyring keyring.Adapter

	secretsMu sync.Mutex
	secrets   map[string]*domain.SecretCredential
	secretTTL func() int64 // seconds; indirection lets tests override without a config import cycle
}

// Option customizes Store construction, primarily for tests.
type Option func(*Store)

// WithClock overrides the clock used for secret TTL eviction. Tests use
// clockwork.NewFakeClock to assert TTL boundaries without sleeping.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithKeyring overrides the OS keyring adapter.
func WithKeyring(kr keyring.Adapter) Option {
	return func(s *Store) { s.keyring = kr }
}

// WithSecretTTLSeconds fixes the secret TTL (default 900s per spec §6).
func WithSecretTTLSeconds(seconds int) Option {
	return func(s *Store) { s.secretTTL = func() int64 { return int64(seconds) } }
}

// Open opens (creating if absent) the SQLite inventory database at path and
// applies the schema. path may be ":memory:" for tests.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, merlyaerr.Persistence(err)
	}
	// The sqlite3 driver does not support concurrent writers; restrict the
	// pool to one connection so writes serialize through database/sql
	// rather than racing each other at the driver level.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		clock:   clockwork.NewRealClock(),
		keyring: keyring.Open(),
		secrets: make(map[string]*domain.SecretCredential),
	}
	s.secretTTL = func() int64 { return 900 }
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return merlyaerr.Persistence(err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return merlyaerr.Persistence(err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, currentSchemaVersion); err != nil {
			return merlyaerr.Persistence(err)
		}
		return nil
	}
	var version int
	if err := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&version); err != nil {
		return merlyaerr.Persistence(err)
	}
	if version > currentSchemaVersion {
		return merlyaerr.Persistence(fmt.Errorf("inventory.db schema version %d is newer than this binary supports (%d)", version, currentSchemaVersion))
	}
	return nil
}

// Close releases the database handle and clears the resident secret cache
// through zeroString.
func (s *Store) Close() error {
	s.secretsMu.Lock()
	for k, v := range s.secrets {
		zeroString(&v.Value)
		delete(s.secrets, k)
	}
	s.secretsMu.Unlock()
	return s.db.Close()
}

// zeroString overwrites a byte copy of *v and sets *v to "". Go strings are
// immutable, so the bytes of the original string are not overwritten; they
// stay in memory until the garbage collector reclaims them.
func zeroString(v *string) {
	b := []byte(*v)
	for i := range b {
		b[i] = 0
	}
	*v = ""
}

// HostAttrs is the mutable attribute set accepted by AddHost. Pointer fields
// distinguish "not supplied" (preserve existing value on UPSERT) from
// "explicitly cleared" (caller passes a non-nil pointer to an empty value),
// matching the invariant in spec §4.1 that updates never silently erase
// non-null fields.
type HostAttrs struct {
	Hostname        *string
	Port            *int
	Username        *string
	PrivateKeyPath  *string
	JumpHostName    *string
	Tags            *[]string
	Metadata        map[string]string // deep-merged, never wholesale replaced
	ElevationMethod *domain.ElevationMethod
	HealthStatus    *domain.HealthStatus
	OSInfo          *string
}

// AddHost performs the UPSERT described in spec §4.1: on conflict with an
// existing name, the hostname, deep-merged metadata, and any other supplied
// field are updated; fields left nil preserve the existing value. Every
// change appends a host_versions row recording changedBy. Inventory-source
// bookkeeping is done by BulkAddHosts, not here.
func (s *Store) AddHost(ctx context.Context, name string, attrs HostAttrs, changedBy string) (int64, error) {
	if err := validateHostName(name); err != nil {
		return 0, err
	}
	if attrs.Port != nil {
		if err := validatePort(*attrs.Port); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, merlyaerr.Persistence(err)
	}
	defer tx.Rollback() //nolint:errcheck

	id, changedFields, err := s.upsertHostTx(tx, name, attrs)
	if err != nil {
		return 0, err
	}

	if len(changedFields) > 0 {
		changesJSON, _ := json.Marshal(changedFields)
		var version int
		if err := tx.QueryRow(`SELECT COALESCE(MAX(version),0)+1 FROM host_versions WHERE host_id=?`, id).Scan(&version); err != nil {
			return 0, merlyaerr.Persistence(err)
		}
		if _, err := tx.Exec(`INSERT INTO host_versions(host_id, version, changes_json, changed_by, created_at) VALUES (?,?,?,?,?)`,
			id, version, string(changesJSON), changedBy, s.clock.Now().UTC()); err != nil {
			return 0, merlyaerr.Persistence(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, merlyaerr.Persistence(err)
	}
	return id, nil
}

// upsertHostTx performs the actual insert-or-merge and returns the host id
// and the list of fields that actually changed (empty if AddHost was called
// idempotently with identical attributes — no new version record in that
// case, per the round-trip law in spec §8).
func (s *Store) upsertHostTx(tx *sql.Tx, name string, attrs HostAttrs) (int64, []string, error) {
	existing, err := s.getHostTxByName(tx, name)
	if err != nil && !merlyaerr.Is(err, merlyaerr.KindNotFound) {
		return 0, nil, err
	}

	now := s.clock.Now().UTC()

	if existing == nil {
		h := domain.Host{
			Name:            name,
			Hostname:        derefStr(attrs.Hostname, ""),
			Port:            derefInt(attrs.Port, 22),
			Username:        derefStr(attrs.Username, ""),
			PrivateKeyPath:  derefStr(attrs.PrivateKeyPath, ""),
			JumpHostName:    derefStr(attrs.JumpHostName, ""),
			Tags:            normalizeTags(derefTags(attrs.Tags, nil)),
			Metadata:        attrs.Metadata,
			ElevationMethod: derefMethod(attrs.ElevationMethod, domain.ElevationNone),
			HealthStatus:    derefHealth(attrs.HealthStatus, domain.HealthUnknown),
			OSInfo:          derefStr(attrs.OSInfo, ""),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if h.Metadata == nil {
			h.Metadata = map[string]string{}
		}
		if err := s.checkJumpChain(tx, h.Name, h.JumpHostName); err != nil {
			return 0, nil, err
		}
		tagsJSON, _ := json.Marshal(h.Tags)
		metaJSON, _ := json.Marshal(h.Metadata)
		res, err := tx.Exec(`INSERT INTO hosts
			(name, hostname, port, username, private_key_path, jump_host_name, tags_json, metadata_json, elevation_method, health_status, os_info_json, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			h.Name, h.Hostname, h.Port, h.Username, h.PrivateKeyPath, h.JumpHostName, string(tagsJSON), string(metaJSON), string(h.ElevationMethod), string(h.HealthStatus), h.OSInfo, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, nil, merlyaerr.Conflict("host %q already exists", name)
			}
			return 0, nil, merlyaerr.Persistence(err)
		}
		id, _ := res.LastInsertId()
		return id, []string{"*"}, nil
	}

	merged := *existing
	var changed []string
	if attrs.Hostname != nil && *attrs.Hostname != merged.Hostname {
		merged.Hostname = *attrs.Hostname
		changed = append(changed, "hostname")
	}
	if attrs.Port != nil && *attrs.Port != merged.Port {
		merged.Port = *attrs.Port
		changed = append(changed, "port")
	}
	if attrs.Username != nil && *attrs.Username != merged.Username {
		merged.Username = *attrs.Username
		changed = append(changed, "username")
	}
	if attrs.PrivateKeyPath != nil && *attrs.PrivateKeyPath != merged.PrivateKeyPath {
		merged.PrivateKeyPath = *attrs.PrivateKeyPath
		changed = append(changed, "private_key_path")
	}
	if attrs.JumpHostName != nil && *attrs.JumpHostName != merged.JumpHostName {
		if err := s.checkJumpChain(tx, merged.Name, *attrs.JumpHostName); err != nil {
			return 0, nil, err
		}
		merged.JumpHostName = *attrs.JumpHostName
		changed = append(changed, "jump_host_name")
	}
	if attrs.Tags != nil {
		newTags := normalizeTags(*attrs.Tags)
		if !sameTags(newTags, merged.Tags) {
			merged.Tags = newTags
			changed = append(changed, "tags")
		}
	}
	if len(attrs.Metadata) > 0 {
		if merged.Metadata == nil {
			merged.Metadata = map[string]string{}
		}
		metaChanged := false
		for k, v := range attrs.Metadata {
			if merged.Metadata[k] != v {
				merged.Metadata[k] = v
				metaChanged = true
			}
		}
		if metaChanged {
			changed = append(changed, "metadata")
		}
	}
	if attrs.ElevationMethod != nil && *attrs.ElevationMethod != merged.ElevationMethod {
		merged.ElevationMethod = *attrs.ElevationMethod
		changed = append(changed, "elevation_method")
	}
	if attrs.HealthStatus != nil && *attrs.HealthStatus != merged.HealthStatus {
		merged.HealthStatus = *attrs.HealthStatus
		changed = append(changed, "health_status")
	}
	if attrs.OSInfo != nil && *attrs.OSInfo != merged.OSInfo {
		merged.OSInfo = *attrs.OSInfo
		changed = append(changed, "os_info")
	}

	if len(changed) == 0 {
		// Idempotent call with identical attributes: no-op, per spec §8.
		return merged.ID, nil, nil
	}

	merged.UpdatedAt = now
	tagsJSON, _ := json.Marshal(merged.Tags)
	metaJSON, _ := json.Marshal(merged.Metadata)
	_, err = tx.Exec(`UPDATE hosts SET hostname=?, port=?, username=?, private_key_path=?, jump_host_name=?, tags_json=?, metadata_json=?, elevation_method=?, health_status=?, os_info_json=?, updated_at=? WHERE id=?`,
		merged.Hostname, merged.Port, merged.Username, merged.PrivateKeyPath, merged.JumpHostName, string(tagsJSON), string(metaJSON), string(merged.ElevationMethod), string(merged.HealthStatus), merged.OSInfo, now, merged.ID)
	if err != nil {
		return 0, nil, merlyaerr.Persistence(err)
	}
	return merged.ID, changed, nil
}

// checkJumpChain rejects a jump_host_name assignment that would create a
// cycle or exceed the depth-4 bound from spec §3/§8. hostName is the host
// being written (excluded from its own ancestry check); jumpName is the
// proposed jump host.
func (s *Store) checkJumpChain(tx *sql.Tx, hostName, jumpName string) error {
	if jumpName == "" {
		return nil
	}
	if strings.EqualFold(jumpName, hostName) {
		return merlyaerr.Validation("host %q cannot be its own jump host", hostName)
	}
	seen := map[string]bool{strings.ToLower(hostName): true}
	cur := jumpName
	for depth := 1; ; depth++ {
		if depth > maxJumpDepth {
			return merlyaerr.Validation("jump host chain for %q exceeds depth %d", hostName, maxJumpDepth)
		}
		key := strings.ToLower(cur)
		if seen[key] {
			return merlyaerr.Validation("jump host chain for %q contains a cycle at %q", hostName, cur)
		}
		seen[key] = true

		next, err := s.jumpHostNameTx(tx, cur)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		cur = next
	}
}

func (s *Store) jumpHostNameTx(tx *sql.Tx, name string) (string, error) {
	var jump string
	err := tx.QueryRow(`SELECT jump_host_name FROM hosts WHERE name=?`, strings.ToLower(name)).Scan(&jump)
	if err == sql.ErrNoRows {
		// Referenced host not created yet; depth check still applies to
		// whatever chain is already persisted, so an unknown link simply
		// terminates the walk rather than erroring — the reference itself
		// is validated at session-acquisition time (spec §4.6 step 3).
		return "", nil
	}
	if err != nil {
		return "", merlyaerr.Persistence(err)
	}
	return jump, nil
}

// BulkAddHosts performs an all-or-nothing batch insert, per spec §4.1: a
// single invalid row rolls the whole batch back.
func (s *Store) BulkAddHosts(ctx context.Context, hosts map[string]HostAttrs, sourceName, sourceType, changedBy string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, merlyaerr.Persistence(err)
	}
	defer tx.Rollback() //nolint:errcheck

	count := 0
	now := s.clock.Now().UTC()
	for name, attrs := range hosts {
		if err := validateHostName(name); err != nil {
			return 0, err
		}
		if attrs.Port != nil {
			if err := validatePort(*attrs.Port); err != nil {
				return 0, err
			}
		}
		if _, _, err := s.upsertHostTx(tx, name, attrs); err != nil {
			return 0, err
		}
		count++
	}

	if sourceName != "" {
		_, err := tx.Exec(`INSERT INTO inventory_sources(name, source_type, host_count, created_at) VALUES (?,?,?,?)
			ON CONFLICT(name) DO UPDATE SET host_count=excluded.host_count`, sourceName, sourceType, count, now)
		if err != nil {
			return 0, merlyaerr.Persistence(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, merlyaerr.Persistence(err)
	}
	return count, nil
}

// GetHost resolves a reference case-insensitively, trying name, then
// hostname, then IP literal, per spec §4.1.
func (s *Store) GetHost(ctx context.Context, ref string) (*domain.Host, error) {
	ref = strings.TrimSpace(ref)
	row := s.db.QueryRowContext(ctx, hostSelectColumns+` FROM hosts WHERE name=?`, strings.ToLower(ref))
	if h, err := scanHost(row); err == nil {
		return h, nil
	} else if !merlyaerr.Is(err, merlyaerr.KindNotFound) {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, hostSelectColumns+` FROM hosts WHERE LOWER(hostname)=?`, strings.ToLower(ref))
	if h, err := scanHost(row); err == nil {
		return h, nil
	} else if !merlyaerr.Is(err, merlyaerr.KindNotFound) {
		return nil, err
	}

	return nil, merlyaerr.NotFound("host %q not found", ref)
}

func (s *Store) getHostTxByName(tx *sql.Tx, name string) (*domain.Host, error) {
	row := tx.QueryRow(hostSelectColumns+` FROM hosts WHERE name=?`, strings.ToLower(name))
	h, err := scanHost(row)
	if err != nil {
		if merlyaerr.Is(err, merlyaerr.KindNotFound) {
			return nil, err
		}
		return nil, err
	}
	return h, nil
}

const hostSelectColumns = `SELECT id, name, hostname, port, username, private_key_path, jump_host_name, tags_json, metadata_json, elevation_method, health_status, os_info_json, last_seen, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHost(row rowScanner) (*domain.Host, error) {
	var h domain.Host
	var tagsJSON, metaJSON string
	var lastSeen sql.NullTime
	err := row.Scan(&h.ID, &h.Name, &h.Hostname, &h.Port, &h.Username, &h.PrivateKeyPath, &h.JumpHostName,
		&tagsJSON, &metaJSON, &h.ElevationMethod, &h.HealthStatus, &h.OSInfo, &lastSeen, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, merlyaerr.NotFound("host not found")
	}
	if err != nil {
		return nil, merlyaerr.Persistence(err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &h.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &h.Metadata)
	if lastSeen.Valid {
		t := lastSeen.Time
		h.LastSeen = &t
	}
	return &h, nil
}

// SearchFilter selects the subset of hosts search_hosts should return. Tag
// and Group are matched structurally against the decoded tags/metadata
// arrays, never with SQL LIKE, per spec §4.1.
type SearchFilter struct {
	Pattern     string // substring match against name or hostname
	Environment string // matched against metadata["environment"]
	Tag         string
	Group       string // matched against metadata["group"]
	Limit       int
	Offset      int
}

// SearchHosts implements the offset-paginated listing of spec §4.1.
func (s *Store) SearchHosts(ctx context.Context, f SearchFilter) ([]*domain.Host, error) {
	rows, err := s.db.QueryContext(ctx, hostSelectColumns+` FROM hosts ORDER BY name`)
	if err != nil {
		return nil, merlyaerr.Persistence(err)
	}
	defer rows.Close()

	var matched []*domain.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		if !matchesFilter(h, f) {
			continue
		}
		matched = append(matched, h)
	}
	if err := rows.Err(); err != nil {
		return nil, merlyaerr.Persistence(err)
	}

	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return matched[start:end], nil
}

func matchesFilter(h *domain.Host, f SearchFilter) bool {
	if f.Pattern != "" {
		p := strings.ToLower(f.Pattern)
		if !strings.Contains(strings.ToLower(h.Name), p) && !strings.Contains(strings.ToLower(h.Hostname), p) {
			return false
		}
	}
	if f.Environment != "" && h.Metadata["environment"] != f.Environment {
		return false
	}
	if f.Group != "" && h.Metadata["group"] != f.Group {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range h.Tags {
			if strings.EqualFold(t, f.Tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DeleteHost moves the row into the append-only host_deletions tombstone
// table, per spec §4.1.
func (s *Store) DeleteHost(ctx context.Context, name, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return merlyaerr.Persistence(err)
	}
	defer tx.Rollback() //nolint:errcheck

	h, err := s.getHostTxByName(tx, name)
	if err != nil {
		return err
	}

	attrs := map[string]string{
		"hostname":         h.Hostname,
		"port":             fmt.Sprintf("%d", h.Port),
		"username":         h.Username,
		"private_key_path": h.PrivateKeyPath,
		"jump_host_name":   h.JumpHostName,
		"elevation_method": string(h.ElevationMethod),
		"health_status":    string(h.HealthStatus),
	}
	attrsJSON, _ := json.Marshal(attrs)

	if _, err := tx.Exec(`INSERT INTO host_deletions(host_id, hostname, attributes_json, reason, deleted_at) VALUES (?,?,?,?,?)`,
		h.ID, h.Name, string(attrsJSON), reason, s.clock.Now().UTC()); err != nil {
		return merlyaerr.Persistence(err)
	}
	if _, err := tx.Exec(`DELETE FROM hosts WHERE id=?`, h.ID); err != nil {
		return merlyaerr.Persistence(err)
	}
	if err := tx.Commit(); err != nil {
		return merlyaerr.Persistence(err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func derefStr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func derefInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func derefTags(p *[]string, def []string) []string {
	if p == nil {
		return def
	}
	return *p
}

func derefMethod(p *domain.ElevationMethod, def domain.ElevationMethod) domain.ElevationMethod {
	if p == nil {
		return def
	}
	return *p
}

func derefHealth(p *domain.HealthStatus, def domain.HealthStatus) domain.HealthStatus {
	if p == nil {
		return def
	}
	return *p
}

func normalizeTags(tags []string) []string {
	set := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// appendAudit writes one row to the append-only audit table. It never
// receives a secret value: callers pass the key name, not the resolved
// value, satisfying the "value field is redacted" requirement of spec
// §4.1. The richer execution audit (C9, with Prometheus counters) lives in
// internal/audit and calls AppendAudit directly.
func (s *Store) appendAudit(ctx context.Context, action, target, outcome string, metadata map[string]string) {
	s.AppendAudit(ctx, "store", action, target, "", outcome, 0, metadata)
}

// AppendAudit is the low-level audit row writer shared by the store (for
// secret-access bookkeeping) and internal/audit (for execution records), so
// both paths write through the same append-only table without opening a
// second SQLite connection to the same file.
func (s *Store) AppendAudit(ctx context.Context, actor, action, target, commandHash, outcome string, durationMS int64, metadata map[string]string) {
	metaJSON, _ := json.Marshal(metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit(timestamp, actor, action, target, command_hash, outcome, duration_ms, metadata_json) VALUES (?,?,?,?,?,?,?,?)`,
		s.clock.Now().UTC(), actor, action, target, commandHash, outcome, durationMS, string(metaJSON))
	if err != nil {
		logrus.WithError(err).Warn("failed to append audit record")
	}
}
