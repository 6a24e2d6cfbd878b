// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// LicenseKey data model; an activation limited credential for a product.
// ExpiresAt is nil for perpetual license types.
type LicenseKey struct {
	gorm.Model
	CreatedAt       time.Time    `gorm:"index"`
	UUID            string       `json:"uuid" validate:"required,uuid" gorm:"type:varchar(100);uniqueIndex"`
	Key             string       `json:"key" validate:"required" gorm:"type:varchar(100);uniqueIndex"`
	ProductID       string       `json:"product_id" validate:"required" gorm:"type:varchar(100);index"`
	UserID          string       `json:"user_id" validate:"required" gorm:"type:varchar(100);index"`
	OrderID         string       `json:"order_id" validate:"required" gorm:"type:varchar(100);index"`
	Type            string       `json:"type" validate:"oneof=single_use multi_use subscription trial" gorm:"type:varchar(50);index"`
	Status          string       `json:"status" validate:"oneof=active expired revoked" gorm:"type:varchar(50);index"`
	StatusUpdated   *time.Time   `json:"status_updated,omitempty"`
	ActivationLimit int          `json:"activation_limit" validate:"gt=0"`
	ActivationsUsed int          `json:"activations_used"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	Activations     []Activation `json:"activations,omitempty" gorm:"foreignKey:LicenseID;references:UUID"`
	Audit           []AuditEntry `json:"audit,omitempty" gorm:"serializer:json"`
}

// Activation data model; one device on which a license has been activated.
// The row is kept after deactivation, with DeactivatedAt set.
type Activation struct {
	ID            uint       `json:"-" gorm:"primaryKey"`
	LicenseID     string     `json:"-" gorm:"index"` // implicit foreign key to the related license
	DeviceID      string     `json:"device_id" gorm:"type:varchar(255);index"`
	DeviceName    string     `json:"device_name" gorm:"type:varchar(255)"`
	IP            string     `json:"ip,omitempty" gorm:"type:varchar(100)"`
	UserAgent     string     `json:"user_agent,omitempty" gorm:"type:varchar(512)"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Validate checks required fields and values
func (l *LicenseKey) Validate() error {

	validate := validator.New()
	return validate.Struct(l)
}

func (s licenseStore) ListAll() (*[]LicenseKey, error) {
	licenses := []LicenseKey{}
	// security: limited to 1000 results
	return &licenses, s.db.Limit(1000).Order("id DESC").Find(&licenses).Error
}

func (s licenseStore) List(pageNum, pageSize int) (*[]LicenseKey, error) {
	licenses := []LicenseKey{}
	// pageNum starts at 1
	// result sorted to assure the same order for each request
	return &licenses, s.db.Offset((pageNum - 1) * pageSize).Limit(pageSize).Order("id DESC").Find(&licenses).Error
}

func (s licenseStore) FindByUser(userID string) (*[]LicenseKey, error) {
	licenses := []LicenseKey{}
	return &licenses, s.db.Limit(1000).Where("user_id= ?", userID).Order("id DESC").Find(&licenses).Error
}

func (s licenseStore) FindByProduct(productID string) (*[]LicenseKey, error) {
	licenses := []LicenseKey{}
	return &licenses, s.db.Limit(1000).Where("product_id= ?", productID).Order("id DESC").Find(&licenses).Error
}

func (s licenseStore) FindByOrder(orderID string) (*[]LicenseKey, error) {
	licenses := []LicenseKey{}
	return &licenses, s.db.Limit(1000).Where("order_id= ?", orderID).Order("id DESC").Find(&licenses).Error
}

func (s licenseStore) FindByStatus(status string) (*[]LicenseKey, error) {
	licenses := []LicenseKey{}
	return &licenses, s.db.Limit(1000).Where("status= ?", status).Order("id DESC").Find(&licenses).Error
}

func (s licenseStore) Count() (int64, error) {
	var count int64
	return count, s.db.Model(LicenseKey{}).Count(&count).Error
}

func (s licenseStore) Get(uuid string) (*LicenseKey, error) {
	var license LicenseKey
	return &license, s.db.Preload("Activations").Where("uuid = ?", uuid).First(&license).Error
}

func (s licenseStore) GetByKey(key string) (*LicenseKey, error) {
	var license LicenseKey
	return &license, s.db.Preload("Activations").Where("key = ?", key).First(&license).Error
}

func (s licenseStore) Create(newLicense *LicenseKey) error {
	return s.db.Create(newLicense).Error
}

func (s licenseStore) Update(changedLicense *LicenseKey) error {
	return s.db.Omit("Activations").Save(changedLicense).Error
}

func (s licenseStore) Delete(deletedLicense *LicenseKey) error {
	return s.db.Delete(deletedLicense).Error
}

// ConsumeActivation takes one activation slot. Limit check and increment
// are one conditional UPDATE; concurrent activations on the same license
// can never exceed the activation limit.
func (s licenseStore) ConsumeActivation(id uint) error {
	result := s.db.Model(&LicenseKey{}).
		Where("id = ? AND activations_used < activation_limit", id).
		UpdateColumn("activations_used", gorm.Expr("activations_used + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLimitReached
	}
	return nil
}

// ReleaseActivation frees one activation slot, guarded against going
// below zero.
func (s licenseStore) ReleaseActivation(id uint) error {
	result := s.db.Model(&LicenseKey{}).
		Where("id = ? AND activations_used > 0", id).
		UpdateColumn("activations_used", gorm.Expr("activations_used - 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLimitReached
	}
	return nil
}

func (s licenseStore) AddActivation(newActivation *Activation) error {
	return s.db.Create(newActivation).Error
}

func (s licenseStore) UpdateActivation(changedActivation *Activation) error {
	return s.db.Save(changedActivation).Error
}

// GetActiveDevice returns the non-deactivated activation row for a device,
// if any.
func (s licenseStore) GetActiveDevice(licenseID, deviceID string) (*Activation, error) {
	var activation Activation
	return &activation, s.db.Where("license_id= ? AND device_id= ? AND deactivated_at IS NULL", licenseID, deviceID).First(&activation).Error
}

// ExpireStale flips active licenses whose expiry date has passed.
// Perpetual licenses (null expiry) are never touched.
func (s licenseStore) ExpireStale(now time.Time) (int64, error) {
	result := s.db.Model(&LicenseKey{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", STATUS_ACTIVE, now).
		Updates(map[string]interface{}{"status": STATUS_EXPIRED, "status_updated": now})
	return result.RowsAffected, result.Error
}
