package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/config"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/service"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/storage"
)

// DeriveWorker serves the derive stage: for each grid cell and adjacent
// period pair it loads the two stored scenes, thresholds their difference
// into a change mask, writes the mask artifact and registers it in the
// catalog. A cell whose scenes were skipped during acquisition is skipped
// here too.
type DeriveWorker struct {
	cfg     *config.Manager
	catalog storage.Catalog
	logger  service.Logger
}

func NewDeriveWorker(cfg *config.Manager, catalog storage.Catalog, logger service.Logger) *DeriveWorker {
	return &DeriveWorker{cfg: cfg, catalog: catalog, logger: logger}
}

func (w *DeriveWorker) Name() string {
	return service.DeriveStage
}

func (w *DeriveWorker) Initialize(ctx context.Context) error {
	cfg := w.cfg.Get()
	if err := os.MkdirAll(filepath.Join(cfg.Storage.DataDir, "masks"), 0o755); err != nil {
		return errors.Wrap(err, "create mask dir")
	}
	if err := w.catalog.Ping(); err != nil {
		return errors.Wrap(err, "catalog unreachable")
	}
	w.logger.Infof("Derive worker initialized (threshold %.2f)", cfg.Model.Threshold)
	return nil
}

func (w *DeriveWorker) TaskIDs(period string) []string {
	return append([]string(nil), w.cfg.Get().Pipeline.Cells...)
}

// ProcessTask derives the change mask for one cell between the two
// periods named by the pair period (e.g. "2019_2020").
func (w *DeriveWorker) ProcessTask(ctx context.Context, period, cellID string) (map[string]string, error) {
	from, to, err := splitPairPeriod(period)
	if err != nil {
		return nil, err
	}
	cfg := w.cfg.Get()

	before, err := w.loadScene(cellID, from)
	if err != nil {
		return nil, err
	}
	after, err := w.loadScene(cellID, to)
	if err != nil {
		return nil, err
	}

	mask := changedPixels(before, after, cfg.Model.Threshold)
	maskPath := filepath.Join(cfg.Storage.DataDir, "masks", period, cellID+".tif")
	if err := os.MkdirAll(filepath.Dir(maskPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create mask period dir")
	}
	if err := os.WriteFile(maskPath, mask, 0o644); err != nil {
		return nil, errors.Wrapf(err, "write mask for %s/%s", cellID, period)
	}

	maskID, err := w.catalog.SaveMask(models.ChangeMask{
		CellID:     cellID,
		PeriodFrom: from,
		PeriodTo:   to,
		Threshold:  cfg.Model.Threshold,
		MaskPath:   maskPath,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "register mask %s/%s", cellID, period)
	}

	return map[string]string{
		"mask_id":   strconv.FormatInt(maskID, 10),
		"mask_path": maskPath,
	}, nil
}

// loadScene reads a cell's band data for one period from the catalog and
// disk. A missing catalog row means acquisition skipped the scene.
func (w *DeriveWorker) loadScene(cellID, period string) ([]byte, error) {
	scene, err := w.catalog.GetScene(cellID, period)
	if err == storage.ErrNotFound {
		return nil, errors.Wrapf(service.ErrTaskSkipped, "no stored scene for %s/%s", cellID, period)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "look up scene %s/%s", cellID, period)
	}
	data, err := os.ReadFile(scene.BandPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read band data for %s/%s", cellID, period)
	}
	return data, nil
}

// changedPixels thresholds the per-byte difference of two band buffers
// into a binary mask. Buffers of unequal length are compared over the
// shorter one.
func changedPixels(before, after []byte, threshold float64) []byte {
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	cutoff := byte(threshold * 255)
	mask := make([]byte, n)
	for i := 0; i < n; i++ {
		d := before[i] - after[i]
		if after[i] > before[i] {
			d = after[i] - before[i]
		}
		if d >= cutoff {
			mask[i] = 1
		}
	}
	return mask
}

func splitPairPeriod(period string) (from, to string, err error) {
	parts := strings.SplitN(period, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("malformed period pair %q", period)
	}
	return parts[0], parts[1], nil
}
