// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// AccessGrant data model; a bearer token authorization to download the
// content of a product, limited in downloads and in time.
// Note: the stored status is not the source of truth for validity; validity
// is derived from (status, expires_at, downloads_used) at check time.
type AccessGrant struct {
	gorm.Model
	CreatedAt     time.Time         `gorm:"index"`
	UUID          string            `json:"uuid" validate:"required,uuid" gorm:"type:varchar(100);uniqueIndex"`
	Token         string            `json:"-" validate:"required" gorm:"type:varchar(100);uniqueIndex"`
	UserID        string            `json:"user_id" validate:"required" gorm:"type:varchar(100);index"`
	ProductID     string            `json:"product_id" validate:"required" gorm:"type:varchar(100);index"`
	OrderID       string            `json:"order_id" validate:"required" gorm:"type:varchar(100);index"`
	FileID        string            `json:"file_id,omitempty" gorm:"type:varchar(100)"` // optional single file scope
	DownloadLimit int               `json:"download_limit" validate:"gt=0"`
	DownloadsUsed int               `json:"downloads_used"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Status        string            `json:"status" validate:"oneof=active expired revoked" gorm:"type:varchar(50);index"`
	StatusUpdated *time.Time        `json:"status_updated,omitempty"`
	PermittedIP   string            `json:"-" gorm:"type:varchar(100)"` // optional IP pinning
	Metadata      map[string]string `json:"metadata,omitempty" gorm:"serializer:json"`
	Audit         []AuditEntry      `json:"audit,omitempty" gorm:"serializer:json"`
}

// AuditEntry records an administrative mutation on a grant or license.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// Validate checks required fields and values
func (g *AccessGrant) Validate() error {

	validate := validator.New()
	return validate.Struct(g)
}

func (s grantStore) ListAll() (*[]AccessGrant, error) {
	grants := []AccessGrant{}
	// security: limited to 1000 results
	return &grants, s.db.Limit(1000).Order("id DESC").Find(&grants).Error
}

func (s grantStore) List(pageNum, pageSize int) (*[]AccessGrant, error) {
	grants := []AccessGrant{}
	// pageNum starts at 1
	// result sorted to assure the same order for each request
	return &grants, s.db.Offset((pageNum - 1) * pageSize).Limit(pageSize).Order("id DESC").Find(&grants).Error
}

func (s grantStore) FindByUser(userID string) (*[]AccessGrant, error) {
	grants := []AccessGrant{}
	return &grants, s.db.Limit(1000).Where("user_id= ?", userID).Order("id DESC").Find(&grants).Error
}

func (s grantStore) FindByProduct(productID string) (*[]AccessGrant, error) {
	grants := []AccessGrant{}
	return &grants, s.db.Limit(1000).Where("product_id= ?", productID).Order("id DESC").Find(&grants).Error
}

func (s grantStore) FindByOrder(orderID string) (*[]AccessGrant, error) {
	grants := []AccessGrant{}
	return &grants, s.db.Limit(1000).Where("order_id= ?", orderID).Order("id DESC").Find(&grants).Error
}

func (s grantStore) FindByStatus(status string) (*[]AccessGrant, error) {
	grants := []AccessGrant{}
	return &grants, s.db.Limit(1000).Where("status= ?", status).Order("id DESC").Find(&grants).Error
}

func (s grantStore) Count() (int64, error) {
	var count int64
	return count, s.db.Model(AccessGrant{}).Count(&count).Error
}

func (s grantStore) Get(uuid string) (*AccessGrant, error) {
	var grant AccessGrant
	return &grant, s.db.Where("uuid = ?", uuid).First(&grant).Error
}

func (s grantStore) GetByToken(token string) (*AccessGrant, error) {
	var grant AccessGrant
	return &grant, s.db.Where("token = ?", token).First(&grant).Error
}

func (s grantStore) Create(newGrant *AccessGrant) error {
	return s.db.Create(newGrant).Error
}

func (s grantStore) Update(changedGrant *AccessGrant) error {
	return s.db.Save(changedGrant).Error
}

func (s grantStore) Delete(deletedGrant *AccessGrant) error {
	return s.db.Delete(deletedGrant).Error
}

// IncrementDownloads consumes one download slot. The limit check and the
// increment are one conditional UPDATE, so concurrent completions on the
// same grant can never push the counter past the limit.
func (s grantStore) IncrementDownloads(id uint) error {
	result := s.db.Model(&AccessGrant{}).
		Where("id = ? AND downloads_used < download_limit", id).
		UpdateColumn("downloads_used", gorm.Expr("downloads_used + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLimitReached
	}
	return nil
}

// ExpireStale flips active grants whose expiry date has passed.
// Validity checks do not depend on it; this only bounds how stale the
// stored status can get.
func (s grantStore) ExpireStale(now time.Time) (int64, error) {
	result := s.db.Model(&AccessGrant{}).
		Where("status = ? AND expires_at < ?", STATUS_ACTIVE, now).
		Updates(map[string]interface{}{"status": STATUS_EXPIRED, "status_updated": now})
	return result.RowsAffected, result.Error
}
