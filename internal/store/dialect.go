package store

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
)

// dialect owns the driver-specific SQL surface. Queries in this package
// are written with ? placeholders and rebound for postgres.
type dialect struct {
	name       string
	driverName string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case driverSQLite, "":
		return dialect{name: driverSQLite, driverName: "sqlite"}, nil
	case driverPostgres, "pgx":
		return dialect{name: driverPostgres, driverName: "pgx"}, nil
	case driverMySQL:
		return dialect{name: driverMySQL, driverName: "mysql"}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind converts ? placeholders to the driver's form.
func (d dialect) rebind(query string) string {
	if d.name != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate returns the row-locking suffix for read-modify-write inside a
// transaction. SQLite's single-writer WAL makes it unnecessary there.
func (d dialect) forUpdate() string {
	if d.name == driverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// idType is the column type for identifier primary keys. MySQL cannot
// index bare TEXT columns.
func (d dialect) idType() string {
	if d.name == driverMySQL {
		return "VARCHAR(128)"
	}
	return "TEXT"
}

// schema returns the CREATE TABLE statements for this driver.
func (d dialect) schema() []string {
	id := d.idType()
	text := "TEXT"
	if d.name == driverMySQL {
		text = "MEDIUMTEXT"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flowcharts (
			id         %[1]s PRIMARY KEY,
			name       %[2]s,
			definition %[2]s NOT NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, id, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flowchart_snapshots (
			id           %[1]s PRIMARY KEY,
			flowchart_id %[1]s NOT NULL,
			definition   %[2]s NOT NULL,
			created_at   %[1]s NOT NULL
		)`, id, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flowchart_runs (
			id                 %[1]s PRIMARY KEY,
			flowchart_id       %[1]s NOT NULL,
			snapshot_id        %[1]s NOT NULL,
			status             %[1]s NOT NULL,
			trigger_kind       %[1]s NOT NULL DEFAULT '',
			request_id         %[1]s,
			correlation_id     %[1]s NOT NULL DEFAULT '',
			runtime_cutover    INTEGER NOT NULL DEFAULT 0,
			started_at         %[1]s,
			finished_at        %[1]s,
			created_at         %[1]s NOT NULL,
			updated_at         %[1]s NOT NULL
		)`, id, text),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_request_id ON flowchart_runs(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON flowchart_runs(status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flowchart_run_nodes (
			id                        %[1]s PRIMARY KEY,
			run_id                    %[1]s NOT NULL,
			node_id                   %[1]s NOT NULL,
			node_type                 %[1]s NOT NULL,
			attempt_index             INTEGER NOT NULL DEFAULT 0,
			status                    %[1]s NOT NULL,
			dispatch_status           %[1]s NOT NULL DEFAULT 'dispatch_pending',
			dispatch_uncertain        INTEGER NOT NULL DEFAULT 0,
			provider_dispatch_id      %[1]s,
			k8s_job_name              %[1]s,
			k8s_pod_name              %[1]s,
			k8s_terminal_reason       %[1]s,
			workspace_identity        %[1]s NOT NULL DEFAULT '',
			selected_provider         %[1]s NOT NULL DEFAULT 'kubernetes',
			final_provider            %[1]s NOT NULL DEFAULT 'kubernetes',
			output_state              %[2]s,
			routing_state             %[2]s,
			error                     %[2]s,
			integration_warnings      %[2]s,
			instruction_manifest_hash %[1]s NOT NULL DEFAULT '',
			instruction_adapter_mode  %[1]s NOT NULL DEFAULT '',
			resolved_agent_id         %[1]s NOT NULL DEFAULT '',
			resolved_role_id          %[1]s NOT NULL DEFAULT '',
			started_at                %[1]s,
			finished_at               %[1]s,
			created_at                %[1]s NOT NULL,
			updated_at                %[1]s NOT NULL
		)`, id, text),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_nodes_dispatch_key ON flowchart_run_nodes(run_id, node_id, attempt_index)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_nodes_dispatch_id ON flowchart_run_nodes(provider_dispatch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_nodes_run ON flowchart_run_nodes(run_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flowchart_run_node_artifacts (
			id                    %[1]s PRIMARY KEY,
			run_node_id           %[1]s NOT NULL,
			kind                  %[1]s NOT NULL,
			payload               %[2]s NOT NULL,
			content_hash          %[1]s NOT NULL,
			retention_mode        %[1]s NOT NULL DEFAULT '',
			retention_ttl_seconds INTEGER,
			retention_max_count   INTEGER,
			created_at            %[1]s NOT NULL
		)`, id, text),
		`CREATE INDEX IF NOT EXISTS idx_artifacts_node ON flowchart_run_node_artifacts(run_node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_kind_created ON flowchart_run_node_artifacts(kind, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS event_outbox (
			id               %[1]s PRIMARY KEY,
			idempotency_key  %[1]s NOT NULL,
			sequence_stream  %[1]s NOT NULL,
			sequence         INTEGER NOT NULL,
			event_type       %[1]s NOT NULL,
			entity_kind      %[1]s NOT NULL,
			entity_id        %[1]s NOT NULL,
			room_keys        %[2]s NOT NULL,
			payload          %[2]s NOT NULL,
			contract_version %[1]s NOT NULL,
			emitted_at       %[1]s NOT NULL,
			published_at     %[1]s
		)`, id, text),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idem ON event_outbox(idempotency_key)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_stream_seq ON event_outbox(sequence_stream, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON event_outbox(published_at, sequence_stream, sequence)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS outbox_sequences (
			stream %[1]s PRIMARY KEY,
			seq    INTEGER NOT NULL
		)`, id),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS integration_settings (
			provider   %[1]s NOT NULL,
			setting_key %[1]s NOT NULL,
			ciphertext %[2]s NOT NULL,
			updated_at %[1]s NOT NULL,
			PRIMARY KEY (provider, setting_key)
		)`, id, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS node_executor_settings (
			id         INTEGER PRIMARY KEY,
			payload    %[2]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, id, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_entries (
			id             %[1]s PRIMARY KEY,
			ts             %[1]s NOT NULL,
			action         %[1]s NOT NULL,
			actor          %[1]s NOT NULL DEFAULT '',
			run_id         %[1]s NOT NULL DEFAULT '',
			correlation_id %[1]s NOT NULL DEFAULT '',
			summary        %[2]s,
			detail         %[2]s
		)`, id, text),
		`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts, id)`,
	}
}
