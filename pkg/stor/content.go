// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// ContentObject data model; one stored file belonging to a product.
// The product itself is owned by the external commerce domain, we only
// keep its identifier.
type ContentObject struct {
	gorm.Model
	UUID             string            `json:"uuid" validate:"required,uuid" gorm:"type:varchar(100);uniqueIndex"`
	ProductID        string            `json:"product_id" validate:"required" gorm:"type:varchar(100);index"`
	Name             string            `json:"name" validate:"required"`
	OriginalFilename string            `json:"original_filename"`
	StoragePath      string            `json:"-" validate:"required" gorm:"type:varchar(512);uniqueIndex"`
	ContentType      string            `json:"content_type" gorm:"type:varchar(100);index"`
	Size             int64             `json:"size"`
	Checksum         string            `json:"checksum" validate:"required,hexadecimal" gorm:"type:varchar(100)"`
	IsPrimary        bool              `json:"is_primary"`
	IsActive         bool              `json:"is_active" gorm:"index"`
	DownloadLimit    *int              `json:"download_limit,omitempty"` // nil means unlimited
	DownloadCount    int               `json:"download_count"`
	Version          string            `json:"version,omitempty" gorm:"type:varchar(50)"`
	Description      string            `json:"description,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" gorm:"serializer:json"`
}

// UsageStats aggregates storage usage, globally or for one product
type UsageStats struct {
	FileCount   int64 `json:"file_count"`
	TotalBytes  int64 `json:"total_bytes"`
	ActiveBytes int64 `json:"active_bytes"`
}

// Validate checks required fields and values
func (c *ContentObject) Validate() error {

	validate := validator.New()
	return validate.Struct(c)
}

func (s contentStore) ListAll() (*[]ContentObject, error) {
	objects := []ContentObject{}
	// security: limited to 1000 results
	return &objects, s.db.Limit(1000).Order("id DESC").Find(&objects).Error
}

func (s contentStore) List(pageNum, pageSize int) (*[]ContentObject, error) {
	objects := []ContentObject{}
	// pageNum starts at 1
	// result sorted to assure the same order for each request
	return &objects, s.db.Offset((pageNum - 1) * pageSize).Limit(pageSize).Order("id DESC").Find(&objects).Error
}

func (s contentStore) FindByProduct(productID string) (*[]ContentObject, error) {
	objects := []ContentObject{}
	return &objects, s.db.Limit(1000).Where("product_id= ?", productID).Order("id DESC").Find(&objects).Error
}

func (s contentStore) GetPrimary(productID string) (*ContentObject, error) {
	var object ContentObject
	return &object, s.db.Where("product_id= ? AND is_primary= ?", productID, true).First(&object).Error
}

func (s contentStore) Count() (int64, error) {
	var count int64
	return count, s.db.Model(ContentObject{}).Count(&count).Error
}

func (s contentStore) Get(uuid string) (*ContentObject, error) {
	var object ContentObject
	return &object, s.db.Where("uuid = ?", uuid).First(&object).Error
}

func (s contentStore) Create(newObject *ContentObject) error {
	return s.db.Create(newObject).Error
}

func (s contentStore) Update(changedObject *ContentObject) error {
	return s.db.Save(changedObject).Error
}

func (s contentStore) Delete(deletedObject *ContentObject) error {
	return s.db.Delete(deletedObject).Error
}

// Purge removes a (usually soft deleted) record for good.
func (s contentStore) Purge(purgedObject *ContentObject) error {
	return s.db.Unscoped().Delete(purgedObject).Error
}

// SetPrimary flags the object as primary for its product and clears the
// flag on all siblings in the same transaction, so that at most one
// primary object exists per product at any time.
func (s contentStore) SetPrimary(object *ContentObject) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&ContentObject{}).
			Where("product_id = ? AND id <> ?", object.ProductID, object.ID).
			Update("is_primary", false).Error
		if err != nil {
			return err
		}
		object.IsPrimary = true
		return tx.Model(object).Update("is_primary", true).Error
	})
}

// IncrementDownloadCount bumps the per-file download counter.
func (s contentStore) IncrementDownloadCount(id uint) error {
	return s.db.Model(&ContentObject{}).Where("id = ?", id).
		UpdateColumn("download_count", gorm.Expr("download_count + 1")).Error
}

// UsageStats aggregates file count and byte sizes; productID may be empty,
// in which case the stats cover the whole store.
func (s contentStore) UsageStats(productID string) (*UsageStats, error) {
	var stats UsageStats

	query := s.db.Model(&ContentObject{})
	if productID != "" {
		query = query.Where("product_id = ?", productID)
	}
	err := query.Select("COUNT(*) as file_count, COALESCE(SUM(size),0) as total_bytes").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}

	active := s.db.Model(&ContentObject{}).Where("is_active = ?", true)
	if productID != "" {
		active = active.Where("product_id = ?", productID)
	}
	err = active.Select("COALESCE(SUM(size),0)").Scan(&stats.ActiveBytes).Error

	return &stats, err
}
