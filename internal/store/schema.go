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

const currentSchemaVersion = 1

// schema is applied verbatim on first open, matching the table layout
// sketched in spec §6 ("Inventory schema (design-level)"). Later schema
// bumps would add migration statements keyed by the version they upgrade
// from; there is only one version today.
const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hosts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL,
	hostname TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 22,
	username TEXT NOT NULL DEFAULT '',
	private_key_path TEXT NOT NULL DEFAULT '',
	jump_host_name TEXT NOT NULL DEFAULT '',
	tags_json TEXT NOT NULL DEFAULT '[]',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	elevation_method TEXT NOT NULL DEFAULT 'none',
	health_status TEXT NOT NULL DEFAULT 'unknown',
	os_info_json TEXT NOT NULL DEFAULT '',
	last_seen DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_name ON hosts(name);

CREATE TABLE IF NOT EXISTS host_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id INTEGER NOT NULL,
	version INTEGER NOT NULL,
	changes_json TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_host_versions_host ON host_versions(host_id);

CREATE TABLE IF NOT EXISTS host_deletions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id INTEGER NOT NULL,
	hostname TEXT NOT NULL,
	attributes_json TEXT NOT NULL,
	reason TEXT NOT NULL,
	deleted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL,
	source_type TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	import_method TEXT NOT NULL DEFAULT '',
	host_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS configs (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	command_hash TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
`
