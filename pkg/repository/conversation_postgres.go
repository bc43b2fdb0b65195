package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// Conversation methods on PostgresBackend

// AppendConversationTurn records one chat turn. nil toolCalls/fileDiffs are
// stored as SQL NULL.
func (b *PostgresBackend) AppendConversationTurn(ctx context.Context, projectId uint, role types.TurnRole, content string, toolCalls, fileDiffs json.RawMessage) (*types.ConversationTurn, error) {
	query := `
		INSERT INTO conversation_turn (project_id, role, content, tool_calls, file_diffs)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, project_id, role, content, tool_calls, file_diffs, created_at
	`

	turn, err := scanTurn(b.db.QueryRowContext(ctx, query, projectId, role, content, nullableJson(toolCalls), nullableJson(fileDiffs)))
	if err != nil {
		return nil, fmt.Errorf("failed to append conversation turn: %w", err)
	}
	return turn, nil
}

// ListConversationTurns returns the newest turns in chronological order.
// limit <= 0 returns the full history.
func (b *PostgresBackend) ListConversationTurns(ctx context.Context, projectId uint, limit int) ([]*types.ConversationTurn, error) {
	query := `
		SELECT id, project_id, role, content, tool_calls, file_diffs, created_at
		FROM (
			SELECT id, project_id, role, content, tool_calls, file_diffs, created_at
			FROM conversation_turn
			WHERE project_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT CASE WHEN $2 > 0 THEN $2 ELSE NULL END
		) recent
		ORDER BY created_at ASC, id ASC
	`

	rows, err := b.db.QueryContext(ctx, query, projectId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation turns: %w", err)
	}
	defer rows.Close()

	var turns []*types.ConversationTurn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation turn: %w", err)
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation turns: %w", err)
	}

	return turns, nil
}

func scanTurn(row interface{ Scan(...any) error }) (*types.ConversationTurn, error) {
	turn := &types.ConversationTurn{}
	var toolCalls, fileDiffs sql.NullString
	err := row.Scan(
		&turn.Id,
		&turn.ProjectId,
		&turn.Role,
		&turn.Content,
		&toolCalls,
		&fileDiffs,
		&turn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if toolCalls.Valid {
		turn.ToolCalls = json.RawMessage(toolCalls.String)
	}
	if fileDiffs.Valid {
		turn.FileDiffs = json.RawMessage(fileDiffs.String)
	}
	return turn, nil
}

func nullableJson(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
