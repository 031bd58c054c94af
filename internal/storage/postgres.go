package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/storage"
)

// PostgresCatalog records acquired scenes and derived change masks.
type PostgresCatalog struct {
	db *sqlx.DB
}

func NewPostgresCatalog(connStr string) (*PostgresCatalog, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresCatalog{db: db}, nil
}

func (c *PostgresCatalog) Ping() error {
	return c.db.Ping()
}

func (c *PostgresCatalog) Close() error {
	return c.db.Close()
}

// SaveScene inserts a scene row and returns its ID. A re-acquired
// (cell, period) pair replaces the previous row.
func (c *PostgresCatalog) SaveScene(s models.Scene) (int64, error) {
	var id int64
	err := c.db.QueryRowx(`
		INSERT INTO scenes (cell_id, period, cloud_cover, band_path, size_bytes, acquired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cell_id, period) DO UPDATE
		SET cloud_cover = EXCLUDED.cloud_cover,
		    band_path = EXCLUDED.band_path,
		    size_bytes = EXCLUDED.size_bytes,
		    acquired_at = EXCLUDED.acquired_at
		RETURNING id`,
		s.CellID, s.Period, s.CloudCover, s.BandPath, s.SizeBytes, s.AcquiredAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save scene: %w", err)
	}
	return id, nil
}

// GetScene retrieves the scene for a cell and period.
func (c *PostgresCatalog) GetScene(cellID, period string) (models.Scene, error) {
	var s models.Scene
	err := c.db.Get(&s, "SELECT * FROM scenes WHERE cell_id = $1 AND period = $2", cellID, period)
	if err == sql.ErrNoRows {
		return models.Scene{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Scene{}, fmt.Errorf("get scene %s/%s: %w", cellID, period, err)
	}
	return s, nil
}

// ListScenes retrieves every scene acquired for a period.
func (c *PostgresCatalog) ListScenes(period string) ([]models.Scene, error) {
	scenes := []models.Scene{}
	err := c.db.Select(&scenes, "SELECT * FROM scenes WHERE period = $1 ORDER BY cell_id", period)
	if err != nil {
		return nil, fmt.Errorf("list scenes for %s: %w", period, err)
	}
	return scenes, nil
}

// SaveMask inserts a change-mask row and returns its ID.
func (c *PostgresCatalog) SaveMask(m models.ChangeMask) (int64, error) {
	var id int64
	err := c.db.QueryRowx(`
		INSERT INTO change_masks (cell_id, period_from, period_to, threshold, mask_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cell_id, period_from, period_to) DO UPDATE
		SET threshold = EXCLUDED.threshold,
		    mask_path = EXCLUDED.mask_path,
		    created_at = EXCLUDED.created_at
		RETURNING id`,
		m.CellID, m.PeriodFrom, m.PeriodTo, m.Threshold, m.MaskPath, m.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save mask: %w", err)
	}
	return id, nil
}
