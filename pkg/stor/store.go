// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// The stor package manages the storage of our entities.
package stor

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type (

	// generic store
	dbStore struct {
		db *gorm.DB
	}

	// entity stores
	contentStore dbStore
	grantStore   dbStore
	attemptStore dbStore
	licenseStore dbStore

	// Store interface, giving access to specialized interfaces
	Store interface {
		Content() ContentRepository
		Grant() GrantRepository
		Attempt() AttemptRepository
		License() LicenseRepository

		// Transaction runs fn against a store bound to a db transaction;
		// a non-nil error rolls the whole transaction back.
		Transaction(fn func(Store) error) error
	}

	// ContentRepository interface, defining content object operations
	ContentRepository interface {
		ListAll() (*[]ContentObject, error)
		List(pageNum, pageSize int) (*[]ContentObject, error)
		FindByProduct(productID string) (*[]ContentObject, error)
		GetPrimary(productID string) (*ContentObject, error)
		Count() (int64, error)
		Get(uuid string) (*ContentObject, error)
		Create(c *ContentObject) error
		Update(c *ContentObject) error
		Delete(c *ContentObject) error
		Purge(c *ContentObject) error
		SetPrimary(c *ContentObject) error
		IncrementDownloadCount(id uint) error
		UsageStats(productID string) (*UsageStats, error)
	}

	// GrantRepository interface, defining access grant operations
	GrantRepository interface {
		ListAll() (*[]AccessGrant, error)
		List(pageNum, pageSize int) (*[]AccessGrant, error)
		FindByUser(userID string) (*[]AccessGrant, error)
		FindByProduct(productID string) (*[]AccessGrant, error)
		FindByOrder(orderID string) (*[]AccessGrant, error)
		FindByStatus(status string) (*[]AccessGrant, error)
		Count() (int64, error)
		Get(uuid string) (*AccessGrant, error)
		GetByToken(token string) (*AccessGrant, error)
		Create(g *AccessGrant) error
		Update(g *AccessGrant) error
		Delete(g *AccessGrant) error
		IncrementDownloads(id uint) error
		ExpireStale(now time.Time) (int64, error)
	}

	// AttemptRepository interface, defining download attempt operations
	AttemptRepository interface {
		ListByGrant(grantID string) (*[]DownloadAttempt, error)
		Count(grantID string) (int64, error)
		Get(id uint) (*DownloadAttempt, error)
		Create(a *DownloadAttempt) error
		Update(a *DownloadAttempt) error
	}

	// LicenseRepository interface, defining license key operations
	LicenseRepository interface {
		ListAll() (*[]LicenseKey, error)
		List(pageNum, pageSize int) (*[]LicenseKey, error)
		FindByUser(userID string) (*[]LicenseKey, error)
		FindByProduct(productID string) (*[]LicenseKey, error)
		FindByOrder(orderID string) (*[]LicenseKey, error)
		FindByStatus(status string) (*[]LicenseKey, error)
		Count() (int64, error)
		Get(uuid string) (*LicenseKey, error)
		GetByKey(key string) (*LicenseKey, error)
		Create(l *LicenseKey) error
		Update(l *LicenseKey) error
		Delete(l *LicenseKey) error
		ConsumeActivation(id uint) error
		ReleaseActivation(id uint) error
		ExpireStale(now time.Time) (int64, error)
		AddActivation(a *Activation) error
		UpdateActivation(a *Activation) error
		GetActiveDevice(licenseID, deviceID string) (*Activation, error)
	}
)

// implementation of the different repository interfaces
func (s *dbStore) Content() ContentRepository {
	return (*contentStore)(s)
}

func (s *dbStore) Grant() GrantRepository {
	return (*grantStore)(s)
}

func (s *dbStore) Attempt() AttemptRepository {
	return (*attemptStore)(s)
}

func (s *dbStore) License() LicenseRepository {
	return (*licenseStore)(s)
}

// Transaction implements Store.
func (s *dbStore) Transaction(fn func(Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&dbStore{db: tx})
	})
}

// List of status values as strings
const (
	STATUS_ACTIVE  = "active"
	STATUS_EXPIRED = "expired"
	STATUS_REVOKED = "revoked"

	ATTEMPT_STARTED   = "started"
	ATTEMPT_COMPLETED = "completed"
	ATTEMPT_FAILED    = "failed"
)

// List of license type values as strings
const (
	LICENSE_SINGLE_USE   = "single_use"
	LICENSE_MULTI_USE    = "multi_use"
	LICENSE_SUBSCRIPTION = "subscription"
	LICENSE_TRIAL        = "trial"
)

// ErrLimitReached is returned by the conditional counter updates when
// no slot is left on the grant or license.
var ErrLimitReached = errors.New("limit reached")

// Init initializes the database
func Init(dsn string) (Store, error) {
	var err error

	dialect, cnx := dbFromURI(dsn)
	if dialect == "error" {
		return nil, fmt.Errorf("incorrect database source name: %q", dsn)
	}

	// add parameters specific to the dialect
	cnx = addParamsDialectSpecific(cnx, dialect)

	// database logger
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             time.Second, // Slow SQL threshold
			LogLevel:                  logger.Warn, // Log level (Silent, Error, Warn, Info)
			IgnoreRecordNotFoundError: true,        // Ignore ErrRecordNotFound error for logger
			Colorful:                  true,        // Enable color
		},
	)

	db, err := gorm.Open(GormDialector(cnx), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		log.Printf("Failed connecting to the database: %v", err)
		return nil, err
	}

	err = performDialectSpecific(db, dialect)
	if err != nil {
		log.Printf("Failed performing dialect specific database init: %v", err)
		return nil, err
	}

	err = db.AutoMigrate(&ContentObject{}, &AccessGrant{}, &DownloadAttempt{}, &LicenseKey{}, &Activation{})
	if err != nil {
		log.Printf("Failed performing database automigrate: %v", err)
		return nil, err
	}

	stor := &dbStore{db: db}

	return stor, nil
}

// dbFromURI
func dbFromURI(uri string) (string, string) {
	parts := strings.Split(uri, "://")
	if len(parts) != 2 {
		return "error", ""
	}
	return parts[0], parts[1]
}

// addParamsDialectSpecific takes a connection string and adds parameters specific to the SQL dialect
func addParamsDialectSpecific(cnx, dialect string) string {
	var params string
	switch dialect {
	case "sqlite3":
		params = "cache=shared&mode=rwc"
	case "mysql":
		params = "charset=utf8mb4&parseTime=True&loc=Local"
	case "postgres":
		params = "sslmode=disable"
	case "mssql":
		// nothing , so far
	default:
		log.Printf("Invalid dialect: %s", dialect)
	}
	if params == "" {
		return cnx
	}
	// the connection string may already carry a query string
	if strings.Contains(cnx, "?") {
		return cnx + "&" + params
	}
	return cnx + "?" + params
}

// performDialectSpecific
func performDialectSpecific(db *gorm.DB, dialect string) error {
	switch dialect {
	case "sqlite3":
		err := db.Exec("PRAGMA journal_mode = WAL").Error
		if err != nil {
			return err
		}
		err = db.Exec("PRAGMA foreign_keys = ON").Error
		if err != nil {
			return err
		}
		// sqlite accepts a single writer; a single pooled connection makes
		// concurrent writers queue instead of failing with a table lock
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(1)
	case "mysql":
		// nothing , so far
	case "postgres":
		// nothing , so far
	case "mssql":
		// nothing , so far
	default:
		return fmt.Errorf("invalid dialect: %s", dialect)
	}
	return nil
}
