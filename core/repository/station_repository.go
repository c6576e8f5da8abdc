package repository

import (
	"context"
	"fmt"

	"pht-monitor/core/errors"
	"pht-monitor/core/models"
)

const (
	attrTitle     = "title"
	attrOwner     = "owner"
	attrCPUCores  = "cpuCores"
	attrMemoryGB  = "memoryGB"
	attrStorageGB = "storageGB"
	attrVersion   = "version"
	attrPublisher = "publisher"
)

// StationRepository handles persistence of stations
type StationRepository struct {
	store Store
}

func NewStationRepository(store Store) *StationRepository {
	return &StationRepository{store: store}
}

// CreateStation stores a new station
func (r *StationRepository) CreateStation(ctx context.Context, s *models.Station) error {
	if s.ID == "" {
		return errors.InvalidArgument("station", "station id must not be empty")
	}
	return r.store.Insert(ctx, NamespaceStations, s.ID, encodeStation(s))
}

// GetStation retrieves a station by ID
func (r *StationRepository) GetStation(ctx context.Context, id string) (*models.Station, error) {
	attrs, err := r.store.Get(ctx, NamespaceStations, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("station", fmt.Sprintf("station (%s) not found", id))
		}
		return nil, err
	}
	return decodeStation(id, attrs), nil
}

// StationTitle returns the station's title, or "" if the station is unknown
func (r *StationRepository) StationTitle(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	attrs, err := r.store.Get(ctx, NamespaceStations, id)
	if errors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return attrs[attrTitle], nil
}

// UpdateStation applies the non-empty fields of s to the stored station
func (r *StationRepository) UpdateStation(ctx context.Context, s *models.Station) (*models.Station, error) {
	patch := sparse(encodeStation(s))
	delete(patch, attrIdentifier)
	if err := r.store.Patch(ctx, NamespaceStations, s.ID, patch); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("station", fmt.Sprintf("station (%s) not found", s.ID))
		}
		return nil, err
	}
	return r.GetStation(ctx, s.ID)
}

// ListStations returns a page of stations in insertion order
func (r *StationRepository) ListStations(ctx context.Context, offset, limit int) ([]*models.Station, error) {
	records, err := r.store.List(ctx, NamespaceStations, offset, limit)
	if err != nil {
		return nil, err
	}
	stations := make([]*models.Station, 0, len(records))
	for _, rec := range records {
		stations = append(stations, decodeStation(rec.ID, rec.Attrs))
	}
	return stations, nil
}

func (r *StationRepository) CountStations(ctx context.Context) (int, error) {
	return r.store.Count(ctx, NamespaceStations)
}

// TrainRepository handles persistence of trains
type TrainRepository struct {
	store Store
}

func NewTrainRepository(store Store) *TrainRepository {
	return &TrainRepository{store: store}
}

func (r *TrainRepository) CreateTrain(ctx context.Context, t *models.Train) error {
	if t.ID == "" {
		return errors.InvalidArgument("train", "train id must not be empty")
	}
	return r.store.Insert(ctx, NamespaceTrains, t.ID, encodeTrain(t))
}

func (r *TrainRepository) GetTrain(ctx context.Context, id string) (*models.Train, error) {
	attrs, err := r.store.Get(ctx, NamespaceTrains, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("train", fmt.Sprintf("train (%s) not found", id))
		}
		return nil, err
	}
	return decodeTrain(id, attrs), nil
}

// UpdateTrain applies the non-empty fields of t to the stored train
func (r *TrainRepository) UpdateTrain(ctx context.Context, t *models.Train) (*models.Train, error) {
	patch := sparse(encodeTrain(t))
	delete(patch, attrIdentifier)
	if err := r.store.Patch(ctx, NamespaceTrains, t.ID, patch); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("train", fmt.Sprintf("train (%s) not found", t.ID))
		}
		return nil, err
	}
	return r.GetTrain(ctx, t.ID)
}

func (r *TrainRepository) ListTrains(ctx context.Context, offset, limit int) ([]*models.Train, error) {
	records, err := r.store.List(ctx, NamespaceTrains, offset, limit)
	if err != nil {
		return nil, err
	}
	trains := make([]*models.Train, 0, len(records))
	for _, rec := range records {
		trains = append(trains, decodeTrain(rec.ID, rec.Attrs))
	}
	return trains, nil
}

func (r *TrainRepository) CountTrains(ctx context.Context) (int, error) {
	return r.store.Count(ctx, NamespaceTrains)
}

func encodeStation(s *models.Station) Attributes {
	return Attributes{
		attrIdentifier:  s.ID,
		attrTitle:       s.Title,
		attrDescription: s.Description,
		attrOwner:       s.Owner,
		attrCPUCores:    s.CPUCores,
		attrMemoryGB:    s.MemoryGB,
		attrStorageGB:   s.StorageGB,
	}
}

func decodeStation(id string, attrs Attributes) *models.Station {
	return &models.Station{
		ID:          id,
		Title:       attrs[attrTitle],
		Description: attrs[attrDescription],
		Owner:       attrs[attrOwner],
		CPUCores:    attrs[attrCPUCores],
		MemoryGB:    attrs[attrMemoryGB],
		StorageGB:   attrs[attrStorageGB],
	}
}

func encodeTrain(t *models.Train) Attributes {
	return Attributes{
		attrIdentifier:  t.ID,
		attrTitle:       t.Title,
		attrDescription: t.Description,
		attrCreator:     t.Creator,
		attrVersion:     t.Version,
		attrPublisher:   t.Publisher,
	}
}

func decodeTrain(id string, attrs Attributes) *models.Train {
	return &models.Train{
		ID:          id,
		Title:       attrs[attrTitle],
		Description: attrs[attrDescription],
		Creator:     attrs[attrCreator],
		Version:     attrs[attrVersion],
		Publisher:   attrs[attrPublisher],
	}
}
