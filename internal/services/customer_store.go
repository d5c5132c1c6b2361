package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

var (
	// ErrCustomerNotFound is returned when no customer exists for an
	// app user id. Notifications referencing unknown customers are
	// dropped, not retried.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrVersionConflict is returned when an upsert loses a
	// compare-and-swap race against a concurrent reconciliation.
	ErrVersionConflict = errors.New("customer info version conflict")
)

// CustomerStore persists CustomerInfo aggregates by app user id. The
// reconciliation core treats this as an opaque key-value interface.
type CustomerStore interface {
	// GetByAppUserID returns the stored aggregate and its version
	GetByAppUserID(ctx context.Context, appUserID string) (*models.CustomerInfo, int64, error)
	// Create seeds an empty aggregate for a first-seen customer
	Create(ctx context.Context, appUserID string) (*models.CustomerInfo, error)
	// Upsert writes the aggregate if the stored version still matches
	// expectedVersion, returning ErrVersionConflict otherwise
	Upsert(ctx context.Context, appUserID string, info *models.CustomerInfo, expectedVersion int64) (*models.CustomerInfo, error)
}

// GormCustomerStore is the gorm-backed CustomerStore. The aggregate is
// stored as a JSON document next to a monotonic version counter.
type GormCustomerStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormCustomerStore(db *gorm.DB) *GormCustomerStore {
	return &GormCustomerStore{db: db, now: time.Now}
}

func (s *GormCustomerStore) GetByAppUserID(ctx context.Context, appUserID string) (*models.CustomerInfo, int64, error) {
	customer, err := database.GetCustomerByAppUserID(s.db.WithContext(ctx), appUserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrCustomerNotFound
		}
		return nil, 0, fmt.Errorf("failed to load customer %s: %w", appUserID, err)
	}

	var info models.CustomerInfo
	if err := json.Unmarshal([]byte(customer.Info), &info); err != nil {
		return nil, 0, fmt.Errorf("failed to decode stored customer info for %s: %w", appUserID, err)
	}
	return &info, customer.Version, nil
}

func (s *GormCustomerStore) Create(ctx context.Context, appUserID string) (*models.CustomerInfo, error) {
	info := models.EmptyCustomerInfo(appUserID, s.now().UTC().Format(time.RFC3339))
	doc, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode customer info: %w", err)
	}

	customer := &models.Customer{AppUserID: appUserID, Info: string(doc)}
	if err := database.CreateCustomer(s.db.WithContext(ctx), customer); err != nil {
		return nil, fmt.Errorf("failed to create customer %s: %w", appUserID, err)
	}
	return info, nil
}

func (s *GormCustomerStore) Upsert(ctx context.Context, appUserID string, info *models.CustomerInfo, expectedVersion int64) (*models.CustomerInfo, error) {
	doc, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode customer info: %w", err)
	}

	db := s.db.WithContext(ctx)
	err = database.UpdateCustomerInfoCAS(db, appUserID, string(doc), expectedVersion)
	if err == nil {
		return info, nil
	}
	if errors.Is(err, database.ErrStaleVersion) {
		// Distinguish a lost race from a row that never existed
		if _, lookupErr := database.GetCustomerByAppUserID(db, appUserID); lookupErr != nil {
			if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				customer := &models.Customer{AppUserID: appUserID, Info: string(doc)}
				if createErr := database.CreateCustomer(db, customer); createErr != nil {
					return nil, fmt.Errorf("failed to create customer %s: %w", appUserID, createErr)
				}
				return info, nil
			}
			return nil, fmt.Errorf("failed to load customer %s: %w", appUserID, lookupErr)
		}
		return nil, ErrVersionConflict
	}
	return nil, fmt.Errorf("failed to update customer %s: %w", appUserID, err)
}
