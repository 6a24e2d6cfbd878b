// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package content

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// fsBackend keeps content bytes in a private directory tree.
// Files are written to a temp name then renamed, so a partial write
// never shadows a complete one.
type fsBackend struct {
	root string
}

func newFsBackend(root string) (*fsBackend, error) {
	if root == "" {
		return nil, errors.New("missing storage directory")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &fsBackend{root: root}, nil
}

func (b *fsBackend) fullPath(storagePath string) string {
	return filepath.Join(b.root, filepath.FromSlash(storagePath))
}

func (b *fsBackend) Write(ctx context.Context, storagePath string, r io.Reader) (int64, error) {
	full := b.fullPath(storagePath)
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return 0, err
	}

	tmp := full + ".part"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}

	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err = os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return size, nil
}

func (b *fsBackend) Read(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	return os.Open(b.fullPath(storagePath))
}

func (b *fsBackend) Move(ctx context.Context, oldPath, newPath string) error {
	full := b.fullPath(newPath)
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return err
	}
	return os.Rename(b.fullPath(oldPath), full)
}

func (b *fsBackend) Remove(ctx context.Context, storagePath string) error {
	return os.Remove(b.fullPath(storagePath))
}

func (b *fsBackend) Exists(ctx context.Context, storagePath string) (bool, error) {
	_, err := os.Stat(b.fullPath(storagePath))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
