// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package content manages the storage of content bytes for products:
// write with integrity recording, retrieval, integrity verification,
// move and delete. Bytes are written before the metadata record is
// created, so a record never points at missing bytes after an upload.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vendlab/delivery-server/pkg/conf"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// ErrNotFound is returned when the backing bytes of an object are absent.
var ErrNotFound = errors.New("content not found")

// StorageError wraps a failure of the storage backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Backend abstracts where content bytes are kept (filesystem or S3).
type Backend interface {
	Write(ctx context.Context, storagePath string, r io.Reader) (int64, error)
	Read(ctx context.Context, storagePath string) (io.ReadCloser, error)
	Move(ctx context.Context, oldPath, newPath string) error
	Remove(ctx context.Context, storagePath string) error
	Exists(ctx context.Context, storagePath string) (bool, error)
}

// Meta is the declared metadata accompanying an upload.
type Meta struct {
	Name             string
	OriginalFilename string
	ContentType      string
	Version          string
	Description      string
	IsPrimary        bool
	DownloadLimit    *int
	ExpiresAt        *time.Time
	Metadata         map[string]string
}

// Store persists content bytes through a backend and content records
// through the stor layer.
type Store struct {
	Backend  Backend
	pathSeed string
	stor.Store
}

// NewStore selects a backend from the configuration.
func NewStore(c conf.Storage, st stor.Store) (*Store, error) {

	var backend Backend
	var err error
	switch c.Provider {
	case "fs", "":
		backend, err = newFsBackend(c.Directory)
	case "s3":
		backend, err = newS3Backend(c)
	default:
		err = fmt.Errorf("unknown storage provider: %q", c.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &Store{
		Backend:  backend,
		pathSeed: c.PathSeed,
		Store:    st,
	}, nil
}

// Add stores incoming bytes for a product and creates the content record.
// The bytes are hashed while being written; the backend write happens
// first and a write failure leaves no metadata behind.
func (s *Store) Add(ctx context.Context, r io.Reader, productID string, meta Meta) (*stor.ContentObject, error) {

	storagePath := s.derivePath(productID, meta.OriginalFilename)

	hasher := sha256.New()
	size, err := s.Backend.Write(ctx, storagePath, io.TeeReader(r, hasher))
	if err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}

	object := &stor.ContentObject{
		UUID:             uuid.New().String(),
		ProductID:        productID,
		Name:             meta.Name,
		OriginalFilename: meta.OriginalFilename,
		StoragePath:      storagePath,
		ContentType:      meta.ContentType,
		Size:             size,
		Checksum:         hex.EncodeToString(hasher.Sum(nil)),
		IsActive:         true,
		DownloadLimit:    meta.DownloadLimit,
		Version:          meta.Version,
		Description:      meta.Description,
		ExpiresAt:        meta.ExpiresAt,
		Metadata:         meta.Metadata,
	}

	err = s.Store.Content().Create(object)
	if err != nil {
		// remove the orphan bytes, best effort
		if rmErr := s.Backend.Remove(ctx, storagePath); rmErr != nil {
			log.Errorf("Failed to remove orphan bytes at %s: %v", storagePath, rmErr)
		}
		return nil, err
	}

	if meta.IsPrimary {
		err = s.Store.Content().SetPrimary(object)
		if err != nil {
			return nil, err
		}
	}

	log.Infof("Content %s stored for product %s (%d bytes)", object.UUID, productID, size)
	return object, nil
}

// Retrieve opens a stream on the stored bytes.
func (s *Store) Retrieve(ctx context.Context, object *stor.ContentObject) (io.ReadCloser, error) {
	rc, err := s.Backend.Read(ctx, object.StoragePath)
	if err != nil {
		return nil, ErrNotFound
	}
	return rc, nil
}

// RetrieveBytes reads the whole stored content in memory.
func (s *Store) RetrieveBytes(ctx context.Context, object *stor.ContentObject) ([]byte, error) {
	rc, err := s.Retrieve(ctx, object)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// VerifyIntegrity recomputes the digest of the stored bytes and compares
// it to the recorded checksum. It returns false on mismatch or absence;
// this is a detection mechanism, it never fails with an error.
func (s *Store) VerifyIntegrity(ctx context.Context, object *stor.ContentObject) bool {
	rc, err := s.Backend.Read(ctx, object.StoragePath)
	if err != nil {
		log.Warningf("Integrity check: bytes absent for %s", object.UUID)
		return false
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		log.Warningf("Integrity check: read failed for %s: %v", object.UUID, err)
		return false
	}
	computed := hex.EncodeToString(hasher.Sum(nil))
	if computed != object.Checksum {
		log.Warningf("Integrity check: checksum mismatch for %s", object.UUID)
		return false
	}
	return true
}

// Move relocates the stored bytes and updates the record.
func (s *Store) Move(ctx context.Context, object *stor.ContentObject, newPath string) error {
	err := s.Backend.Move(ctx, object.StoragePath, newPath)
	if err != nil {
		return &StorageError{Op: "move", Err: err}
	}
	object.StoragePath = newPath
	return s.Store.Content().Update(object)
}

// Delete removes an object: the record is soft deleted first, then the
// bytes are removed, then the record is purged. A failure in between
// leaves an inactive record pointing at bytes, never live metadata
// pointing at nothing.
func (s *Store) Delete(ctx context.Context, object *stor.ContentObject) error {
	err := s.Store.Content().Delete(object)
	if err != nil {
		return err
	}
	err = s.Backend.Remove(ctx, object.StoragePath)
	if err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	return s.Store.Content().Purge(object)
}

// UsageStats reports file count and byte usage, globally or per product.
func (s *Store) UsageStats(productID string) (*stor.UsageStats, error) {
	return s.Store.Content().UsageStats(productID)
}

// derivePath builds a non guessable storage path from a secondary hash of
// the path seed, the product and the current time, keeping the original
// extension.
func (s *Store) derivePath(productID, originalFilename string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", s.pathSeed, productID, time.Now().UnixNano())))
	name := hex.EncodeToString(h[:])

	ext := strings.ToLower(path.Ext(originalFilename))
	return path.Join(name[:2], name[2:4], name+ext)
}
