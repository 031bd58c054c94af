package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internalstorage "github.com/SpehKing/eo-cd-slo-sub000/internal/storage"
	"github.com/SpehKing/eo-cd-slo-sub000/internal/testutil"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/models"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/storage"
)

func setupCatalog(t *testing.T) (*internalstorage.PostgresCatalog, func()) {
	t.Helper()
	td := testutil.SetupTestDB(t)
	catalog, err := internalstorage.NewPostgresCatalog(td.ConnStr)
	if err != nil {
		td.Teardown(t)
		t.Fatalf("Failed to open catalog: %v", err)
	}
	return catalog, func() {
		if err := catalog.Close(); err != nil {
			t.Errorf("Failed to close catalog: %v", err)
		}
		td.Teardown(t)
	}
}

func TestPostgresCatalogScenes(t *testing.T) {
	catalog, teardown := setupCatalog(t)
	defer teardown()

	acquired := time.Date(2019, 7, 14, 10, 30, 0, 0, time.UTC)

	t.Run("SaveAndGetScene", func(t *testing.T) {
		id, err := catalog.SaveScene(models.Scene{
			CellID:     "33TVL_512_768",
			Period:     "2019",
			CloudCover: 12.5,
			BandPath:   "/data/scenes/2019/33TVL_512_768.tif",
			SizeBytes:  1024,
			AcquiredAt: acquired,
		})
		assert.NoError(t, err)
		assert.NotZero(t, id)

		scene, err := catalog.GetScene("33TVL_512_768", "2019")
		assert.NoError(t, err)
		assert.Equal(t, id, scene.ID)
		assert.Equal(t, 12.5, scene.CloudCover)
		assert.Equal(t, int64(1024), scene.SizeBytes)
	})

	t.Run("ReacquisitionReplacesScene", func(t *testing.T) {
		first, err := catalog.SaveScene(models.Scene{
			CellID:     "33TVL_512_1024",
			Period:     "2019",
			CloudCover: 40,
			BandPath:   "/data/scenes/2019/33TVL_512_1024.tif",
			SizeBytes:  512,
			AcquiredAt: acquired,
		})
		assert.NoError(t, err)

		second, err := catalog.SaveScene(models.Scene{
			CellID:     "33TVL_512_1024",
			Period:     "2019",
			CloudCover: 8,
			BandPath:   "/data/scenes/2019/33TVL_512_1024.tif",
			SizeBytes:  2048,
			AcquiredAt: acquired.Add(time.Hour),
		})
		assert.NoError(t, err)
		assert.Equal(t, first, second)

		scene, err := catalog.GetScene("33TVL_512_1024", "2019")
		assert.NoError(t, err)
		assert.Equal(t, 8.0, scene.CloudCover)
		assert.Equal(t, int64(2048), scene.SizeBytes)
	})

	t.Run("GetMissingSceneIsNotFound", func(t *testing.T) {
		_, err := catalog.GetScene("33TVL_0_0", "1999")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListScenesByPeriod", func(t *testing.T) {
		_, err := catalog.SaveScene(models.Scene{
			CellID:     "33TVL_0_256",
			Period:     "2020",
			BandPath:   "/data/scenes/2020/33TVL_0_256.tif",
			AcquiredAt: acquired,
		})
		assert.NoError(t, err)

		scenes, err := catalog.ListScenes("2019")
		assert.NoError(t, err)
		assert.Len(t, scenes, 2)
		// Ordered by cell id.
		assert.Equal(t, "33TVL_512_1024", scenes[0].CellID)
		assert.Equal(t, "33TVL_512_768", scenes[1].CellID)

		scenes, err = catalog.ListScenes("2020")
		assert.NoError(t, err)
		assert.Len(t, scenes, 1)
	})
}

func TestPostgresCatalogMasks(t *testing.T) {
	catalog, teardown := setupCatalog(t)
	defer teardown()

	created := time.Date(2020, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("SaveMask", func(t *testing.T) {
		id, err := catalog.SaveMask(models.ChangeMask{
			CellID:     "33TVL_512_768",
			PeriodFrom: "2019",
			PeriodTo:   "2020",
			Threshold:  0.5,
			MaskPath:   "/data/masks/2019_2020/33TVL_512_768.tif",
			CreatedAt:  created,
		})
		assert.NoError(t, err)
		assert.NotZero(t, id)
	})

	t.Run("RederivationReplacesMask", func(t *testing.T) {
		first, err := catalog.SaveMask(models.ChangeMask{
			CellID:     "33TVL_512_768",
			PeriodFrom: "2019",
			PeriodTo:   "2020",
			Threshold:  0.5,
			MaskPath:   "/data/masks/2019_2020/33TVL_512_768.tif",
			CreatedAt:  created,
		})
		assert.NoError(t, err)

		second, err := catalog.SaveMask(models.ChangeMask{
			CellID:     "33TVL_512_768",
			PeriodFrom: "2019",
			PeriodTo:   "2020",
			Threshold:  0.35,
			MaskPath:   "/data/masks/2019_2020/33TVL_512_768.tif",
			CreatedAt:  created.Add(time.Hour),
		})
		assert.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
