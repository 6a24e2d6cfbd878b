// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package stor

import (
	"time"
)

// DownloadAttempt data model; one concrete transfer under a grant.
// Attempts are created "started" and move once to a terminal state;
// no update nor soft deletion occurs after that, so we skip the full
// gorm model.
type DownloadAttempt struct {
	ID            uint        `json:"-" gorm:"primaryKey"`
	GrantID       string      `json:"-" gorm:"index"` // implicit foreign key to the related grant
	Grant         AccessGrant `json:"-" gorm:"references:UUID"`
	FileID        string      `json:"file_id" gorm:"type:varchar(100);index"`
	IP            string      `json:"ip" gorm:"type:varchar(100)"`
	UserAgent     string      `json:"user_agent" gorm:"type:varchar(512)"`
	RangeHeader   string      `json:"range_header,omitempty" gorm:"type:varchar(255)"` // kept for resumable transfers and forensics
	Status        string      `json:"status" gorm:"type:varchar(50);index"`
	BytesSent     int64       `json:"bytes_sent"`
	TotalBytes    int64       `json:"total_bytes"`
	FailureReason string      `json:"failure_reason,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
}

func (s attemptStore) ListByGrant(grantID string) (*[]DownloadAttempt, error) {
	attempts := []DownloadAttempt{}
	// security: limited to 500 results
	return &attempts, s.db.Limit(500).Where("grant_id= ?", grantID).Order("id ASC").Find(&attempts).Error
}

func (s attemptStore) Count(grantID string) (int64, error) {
	var count int64
	return count, s.db.Model(DownloadAttempt{}).Where("grant_id= ?", grantID).Count(&count).Error
}

func (s attemptStore) Get(id uint) (*DownloadAttempt, error) {
	var attempt DownloadAttempt
	return &attempt, s.db.Where("id = ?", id).First(&attempt).Error
}

func (s attemptStore) Create(newAttempt *DownloadAttempt) error {
	return s.db.Omit("Grant").Create(newAttempt).Error
}

func (s attemptStore) Update(changedAttempt *DownloadAttempt) error {
	return s.db.Omit("Grant").Save(changedAttempt).Error
}
