package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pht-monitor/core/errors"
	"pht-monitor/core/models"
)

func TestStationRepository_SparseUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		repo := NewStationRepository(s)

		station := &models.Station{
			ID:          "station-a",
			Title:       "University Hospital Aachen",
			Description: "on-prem cluster",
			Owner:       "uka",
			CPUCores:    "32",
			MemoryGB:    "256",
			StorageGB:   "4000",
		}
		require.NoError(t, repo.CreateStation(ctx, station))
		assert.True(t, errors.IsAlreadyExists(repo.CreateStation(ctx, station)))

		// only non-empty fields are applied
		got, err := repo.UpdateStation(ctx, &models.Station{ID: "station-a", MemoryGB: "512"})
		require.NoError(t, err)
		assert.Equal(t, "512", got.MemoryGB)
		assert.Equal(t, "University Hospital Aachen", got.Title)
		assert.Equal(t, "32", got.CPUCores)
		assert.Equal(t, "uka", got.Owner)

		_, err = repo.UpdateStation(ctx, &models.Station{ID: "missing", Title: "x"})
		assert.True(t, errors.IsNotFound(err))

		title, err := repo.StationTitle(ctx, "station-a")
		require.NoError(t, err)
		assert.Equal(t, "University Hospital Aachen", title)

		title, err = repo.StationTitle(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, title)

		n, err := repo.CountStations(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stations, err := repo.ListStations(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, stations, 1)
		assert.Equal(t, "station-a", stations[0].ID)
	})
}

func TestTrainRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTrainRepository(openBadgerStore(t))

	train := &models.Train{ID: "train-1", Title: "cohort", Creator: "alice", Version: "1.0", Publisher: "pht"}
	require.NoError(t, repo.CreateTrain(ctx, train))

	got, err := repo.UpdateTrain(ctx, &models.Train{ID: "train-1", Version: "1.1"})
	require.NoError(t, err)
	assert.Equal(t, "1.1", got.Version)
	assert.Equal(t, "alice", got.Creator)

	_, err = repo.GetTrain(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	assert.True(t, errors.IsInvalidArgument(repo.CreateTrain(ctx, &models.Train{})))

	trains, err := repo.ListTrains(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, trains, 1)

	n, err := repo.CountTrains(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
