package settings

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/logging"
)

// Repository persists settings per product. Upsert is last-writer-wins.
type Repository interface {
	Get(ctx context.Context, productID string) (CalibrationSettings, error)
	Upsert(ctx context.Context, productID string, s CalibrationSettings) error
	Delete(ctx context.Context, productID string) error
	List(ctx context.Context) ([]string, error)
}

// Store is the persistence collaborator the calibration flow talks to.
type Store interface {
	GetTryOnSettings(ctx context.Context, productID string) (CalibrationSettings, error)
	UpdateTryOnSettings(ctx context.Context, productID string, s CalibrationSettings) error
}

// ErrProductRequired is returned for an empty or unsafe product ID.
var ErrProductRequired = errors.New("valid product id required")

// ValidateProductID rejects IDs that are empty or could escape a directory.
func ValidateProductID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrProductRequired, id)
	}
	return nil
}

// Service enforces the settings invariants in front of a Repository.
type Service struct {
	repo Repository
	log  *logrus.Entry
}

// NewService creates a Service over repo.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		log:  logging.Component("settings"),
	}
}

// GetTryOnSettings returns the stored settings or ErrNotFound.
func (s *Service) GetTryOnSettings(ctx context.Context, productID string) (CalibrationSettings, error) {
	if err := ValidateProductID(productID); err != nil {
		return CalibrationSettings{}, err
	}
	return s.repo.Get(ctx, productID)
}

// GetOrDefault returns the stored settings, or Neutral for an unknown product.
func (s *Service) GetOrDefault(ctx context.Context, productID string) (CalibrationSettings, error) {
	cs, err := s.GetTryOnSettings(ctx, productID)
	if errors.Is(err, ErrNotFound) {
		return Neutral(), nil
	}
	return cs, err
}

// UpdateTryOnSettings normalizes, validates and stores cs.
func (s *Service) UpdateTryOnSettings(ctx context.Context, productID string, cs CalibrationSettings) error {
	_, err := s.Save(ctx, productID, cs)
	return err
}

// Save is UpdateTryOnSettings returning the settings as stored.
func (s *Service) Save(ctx context.Context, productID string, cs CalibrationSettings) (CalibrationSettings, error) {
	if err := ValidateProductID(productID); err != nil {
		return CalibrationSettings{}, err
	}

	cs = cs.Normalize()
	if err := cs.Validate(); err != nil {
		s.log.WithFields(logging.Fields{
			"product": productID,
			"error":   err.Error(),
		}).Warn("Rejected try-on settings")
		return CalibrationSettings{}, err
	}

	if err := s.repo.Upsert(ctx, productID, cs); err != nil {
		s.log.WithFields(logging.Fields{
			"product": productID,
			"error":   err.Error(),
		}).Error("Failed to persist try-on settings")
		return CalibrationSettings{}, fmt.Errorf("failed to persist settings: %w", err)
	}

	s.log.WithFields(logging.Fields{
		"product": productID,
		"enabled": cs.TryOnEnabled,
		"type":    cs.Type(),
		"offsetY": cs.TryOnOffsetY,
		"scale":   cs.TryOnScale,
	}).Info("Saved try-on settings")
	return cs, nil
}

// Reset removes a product's settings so it reads as Neutral again.
func (s *Service) Reset(ctx context.Context, productID string) error {
	if err := ValidateProductID(productID); err != nil {
		return err
	}
	err := s.repo.Delete(ctx, productID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// List returns the IDs of products with stored settings.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.repo.List(ctx)
}

var _ Store = (*Service)(nil)
