package database

import (
	"context"
	"fmt"

	"hostsync/internal/models"
)

// ListActiveProperties feeds the per-invocation property name index. The
// property directory itself is owned by the CRUD side; this is a read-only
// view plus a seed helper for tooling and tests.
func (db *DB) ListActiveProperties(ctx context.Context) ([]models.Property, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, active FROM properties WHERE active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var props []models.Property
	for rows.Next() {
		var p models.Property
		if err := rows.Scan(&p.ID, &p.Name, &p.Active); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

func (db *DB) CreateProperty(ctx context.Context, p *models.Property) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO properties (name, active) VALUES (?, ?)`,
		p.Name, p.Active,
	)
	if err != nil {
		return fmt.Errorf("create property: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("property insert id: %w", err)
	}
	p.ID = id
	return nil
}
