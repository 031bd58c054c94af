package models

import "time"

// Scene is one acquired raster scene: a single grid cell for a single period,
// with its band data stored on disk and registered in the catalog.
type Scene struct {
	ID         int64     `json:"id" db:"id"`
	CellID     string    `json:"cell_id" db:"cell_id"`
	Period     string    `json:"period" db:"period"`
	CloudCover float64   `json:"cloud_cover" db:"cloud_cover"`
	BandPath   string    `json:"band_path" db:"band_path"`
	SizeBytes  int64     `json:"size_bytes" db:"size_bytes"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
}

// ChangeMask is a derived artifact: the change mask of one grid cell between
// two consecutive periods.
type ChangeMask struct {
	ID         int64     `json:"id" db:"id"`
	CellID     string    `json:"cell_id" db:"cell_id"`
	PeriodFrom string    `json:"period_from" db:"period_from"`
	PeriodTo   string    `json:"period_to" db:"period_to"`
	Threshold  float64   `json:"threshold" db:"threshold"`
	MaskPath   string    `json:"mask_path" db:"mask_path"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
