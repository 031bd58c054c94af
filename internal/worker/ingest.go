package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/config"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/service"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/storage"
)

// IngestWorker serves the combined acquire_store stage: it fetches one
// raster scene per (cell, period) from the imagery endpoint, writes the
// band data under the data directory and registers the scene in the
// catalog. Scenes above the cloud-cover threshold are skipped, not failed.
type IngestWorker struct {
	cfg     *config.Manager
	catalog storage.Catalog
	client  *http.Client
	logger  service.Logger
}

func NewIngestWorker(cfg *config.Manager, catalog storage.Catalog, logger service.Logger) *IngestWorker {
	return &IngestWorker{
		cfg:     cfg,
		catalog: catalog,
		client:  &http.Client{Timeout: cfg.Get().Acquisition.Timeout},
		logger:  logger,
	}
}

func (w *IngestWorker) Name() string {
	return service.AcquireStoreStage
}

// Initialize prepares the scene directory and verifies the catalog is reachable.
func (w *IngestWorker) Initialize(ctx context.Context) error {
	cfg := w.cfg.Get()
	if err := os.MkdirAll(filepath.Join(cfg.Storage.DataDir, "scenes"), 0o755); err != nil {
		return errors.Wrap(err, "create scene dir")
	}
	if err := w.catalog.Ping(); err != nil {
		return errors.Wrap(err, "catalog unreachable")
	}
	w.logger.Infof("Ingest worker initialized (endpoint %s)", cfg.Acquisition.Endpoint)
	return nil
}

func (w *IngestWorker) TaskIDs(period string) []string {
	return append([]string(nil), w.cfg.Get().Pipeline.Cells...)
}

// ProcessTask acquires and stores the scene for one grid cell.
func (w *IngestWorker) ProcessTask(ctx context.Context, period, cellID string) (map[string]string, error) {
	cfg := w.cfg.Get()
	url := fmt.Sprintf("%s/scenes/%s/%s", cfg.Acquisition.Endpoint, cellID, period)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build scene request")
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch scene %s/%s", cellID, period)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The provider has no scene for this cell and period at all.
		return nil, errors.Wrapf(service.ErrTaskSkipped, "no scene available for %s/%s", cellID, period)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch scene %s/%s: unexpected status %d", cellID, period, resp.StatusCode)
	}

	cloudCover := 0.0
	if h := resp.Header.Get("X-Cloud-Cover"); h != "" {
		if cloudCover, err = strconv.ParseFloat(h, 64); err != nil {
			return nil, errors.Wrapf(err, "parse cloud cover for %s/%s", cellID, period)
		}
	}
	if cloudCover > cfg.Acquisition.MaxCloudCover {
		return nil, errors.Wrapf(service.ErrTaskSkipped,
			"scene %s/%s cloud cover %.1f%% above threshold %.1f%%",
			cellID, period, cloudCover, cfg.Acquisition.MaxCloudCover)
	}

	bandPath := filepath.Join(cfg.Storage.DataDir, "scenes", period, cellID+".tif")
	if err := os.MkdirAll(filepath.Dir(bandPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create period dir")
	}
	f, err := os.Create(bandPath)
	if err != nil {
		return nil, errors.Wrap(err, "create band file")
	}
	size, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "store band data for %s/%s", cellID, period)
	}

	sceneID, err := w.catalog.SaveScene(models.Scene{
		CellID:     cellID,
		Period:     period,
		CloudCover: cloudCover,
		BandPath:   bandPath,
		SizeBytes:  size,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "register scene %s/%s", cellID, period)
	}

	return map[string]string{
		"scene_id":    strconv.FormatInt(sceneID, 10),
		"band_path":   bandPath,
		"cloud_cover": fmt.Sprintf("%.1f", cloudCover),
	}, nil
}
