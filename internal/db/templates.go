package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/templates"
)

// TemplateRepository stores message template overrides in Postgres.
type TemplateRepository struct {
	db     *DB
	logger *zap.Logger
}

var _ templates.Repository = (*TemplateRepository)(nil)

func NewTemplateRepository(db *DB, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

func (r *TemplateRepository) Overrides(ctx context.Context) ([]templates.Definition, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT kind, subject, body
		FROM message_templates
		WHERE enabled
		ORDER BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("query message templates: %w", err)
	}
	defer rows.Close()

	var defs []templates.Definition
	for rows.Next() {
		var d templates.Definition
		if err := rows.Scan(&d.Kind, &d.Subject, &d.Body); err != nil {
			return nil, fmt.Errorf("scan message template: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	r.logger.Debug("loaded template overrides", zap.Int("count", len(defs)))
	return defs, nil
}

// Upsert stores an override for d.Kind.
func (r *TemplateRepository) Upsert(ctx context.Context, d templates.Definition) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO message_templates (kind, subject, body, enabled, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (kind) DO UPDATE
		SET subject = EXCLUDED.subject, body = EXCLUDED.body, enabled = TRUE, updated_at = NOW()
	`, d.Kind, d.Subject, d.Body)
	if err != nil {
		return fmt.Errorf("upsert message template: %w", err)
	}
	return nil
}
