// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package content

import (
	"context"
	"errors"
	"io"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vendlab/delivery-server/pkg/conf"
)

// s3Backend keeps content bytes in an S3 compatible bucket.
type s3Backend struct {
	client *minio.Client
	bucket string
}

func newS3Backend(c conf.Storage) (*s3Backend, error) {
	if c.Bucket == "" {
		return nil, errors.New("missing storage bucket")
	}

	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.Secure,
		Region: c.Region,
	})
	if err != nil {
		return nil, err
	}

	return &s3Backend{client: client, bucket: c.Bucket}, nil
}

func (b *s3Backend) Write(ctx context.Context, storagePath string, r io.Reader) (int64, error) {
	// size -1: the object is streamed in parts
	info, err := b.client.PutObject(ctx, b.bucket, storagePath, r, -1, minio.PutObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (b *s3Backend) Read(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, storagePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; check that the object exists
	if _, err = obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}

func (b *s3Backend) Move(ctx context.Context, oldPath, newPath string) error {
	src := minio.CopySrcOptions{Bucket: b.bucket, Object: oldPath}
	dst := minio.CopyDestOptions{Bucket: b.bucket, Object: newPath}
	if _, err := b.client.CopyObject(ctx, dst, src); err != nil {
		return err
	}
	return b.client.RemoveObject(ctx, b.bucket, oldPath, minio.RemoveObjectOptions{})
}

func (b *s3Backend) Remove(ctx context.Context, storagePath string) error {
	return b.client.RemoveObject(ctx, b.bucket, storagePath, minio.RemoveObjectOptions{})
}

func (b *s3Backend) Exists(ctx context.Context, storagePath string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, storagePath, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
