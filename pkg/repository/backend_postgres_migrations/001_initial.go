package backend_postgres_migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upInitial, downInitial)
}

func upInitial(tx *sql.Tx) error {
	// Ensure UUID extension is available
	if _, err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return err
	}

	createStatements := []string{
		// Project status enum (lowercase to match Go constants)
		`CREATE TYPE project_status AS ENUM ('initializing', 'building', 'ready', 'error', 'hibernated', 'deleted');`,

		`CREATE TYPE turn_role AS ENUM ('user', 'assistant', 'system');`,

		// Projects table
		`CREATE TABLE IF NOT EXISTS project (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			status project_status NOT NULL DEFAULT 'initializing',
			preview_url TEXT NOT NULL DEFAULT '',
			deployment_url TEXT NOT NULL DEFAULT '',
			build_status VARCHAR(32) NOT NULL DEFAULT '',
			last_active_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			deleted_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		// Snapshots table (append-only)
		`CREATE TABLE IF NOT EXISTS snapshot (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			project_id INT NOT NULL REFERENCES project(id) ON DELETE CASCADE,
			storage_key TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		// Conversation history (append-only)
		`CREATE TABLE IF NOT EXISTS conversation_turn (
			id SERIAL PRIMARY KEY,
			project_id INT NOT NULL REFERENCES project(id) ON DELETE CASCADE,
			role turn_role NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			file_diffs JSONB,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		// Indexes
		`CREATE INDEX idx_project_user_id ON project(user_id);`,
		`CREATE INDEX idx_project_status ON project(status);`,
		`CREATE INDEX idx_project_external_id ON project(external_id);`,
		`CREATE INDEX idx_snapshot_project_id ON snapshot(project_id, created_at DESC);`,
		`CREATE INDEX idx_conversation_turn_project_id ON conversation_turn(project_id, created_at);`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func downInitial(tx *sql.Tx) error {
	dropStatements := []string{
		"DROP TABLE IF EXISTS conversation_turn;",
		"DROP TABLE IF EXISTS snapshot;",
		"DROP TABLE IF EXISTS project;",
		"DROP TYPE IF EXISTS turn_role;",
		"DROP TYPE IF EXISTS project_status;",
	}

	for _, stmt := range dropStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
