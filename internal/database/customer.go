package database

import (
	"errors"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// GetCustomerByAppUserID loads the customer row for an app user id
func GetCustomerByAppUserID(db *gorm.DB, appUserID string) (*models.Customer, error) {
	var customer models.Customer
	err := db.Where("app_user_id = ?", appUserID).First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// CreateCustomer inserts a new customer row at version 0
func CreateCustomer(db *gorm.DB, customer *models.Customer) error {
	customer.Version = 0
	return db.Create(customer).Error
}

// ErrStaleVersion is returned when a compare-and-swap update loses to a
// concurrent writer.
var ErrStaleVersion = errors.New("customer row changed since it was read")

// UpdateCustomerInfoCAS writes a new aggregate document for the given
// app user id, but only if the row still carries expectedVersion. The
// version is bumped on success so a concurrent stale write cannot
// overwrite newer state.
func UpdateCustomerInfoCAS(db *gorm.DB, appUserID, info string, expectedVersion int64) error {
	result := db.Model(&models.Customer{}).
		Where("app_user_id = ? AND version = ?", appUserID, expectedVersion).
		Updates(map[string]interface{}{
			"info":    info,
			"version": expectedVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}

// RecordProcessedNotification appends one audit row for a handled
// notification. Failures are logged by the caller, never fatal.
func RecordProcessedNotification(db *gorm.DB, record *models.ProcessedNotification) error {
	return db.Create(record).Error
}
