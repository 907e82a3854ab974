// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ulikunitz/xz"
)

// Storage is the subset of minio.Client used in this program.
//
// We define our own interface for easier testing, so we only have to fake
// those parts of the (rather big) S3 interface that we actually use.
// A fake implementation for tests is in FakeStorage, implemented in
// storage_test.go.
type Storage interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	FGetObject(ctx context.Context, bucket, object, path string, opts minio.GetObjectOptions) error
}

// NewStorage sets up a client for accessing S3-compatible object storage.
func NewStorage(keypath string) (Storage, error) {
	data, err := os.ReadFile(keypath)
	if err != nil {
		return nil, err
	}

	var config struct{ Endpoint, Key, Secret string }
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Key, config.Secret, ""),
		Secure: true,
	})
	if err != nil {
		return nil, err
	}

	client.SetAppInfo("cogserve", "0.1")
	return client, nil
}

// fetchRaster makes sure the raster named by spec is present on local
// disk. Paths of the form s3://bucket/object are downloaded into workdir
// first, expanding compressed objects. Anything else is taken to be a
// local path and returned unchanged.
func fetchRaster(ctx context.Context, spec, keypath, workdir string) (string, error) {
	if !strings.HasPrefix(spec, "s3://") {
		return spec, nil
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(spec, "s3://"), "/")
	if !ok || bucket == "" || object == "" {
		return "", fmt.Errorf("bad storage path %q", spec)
	}
	storage, err := NewStorage(keypath)
	if err != nil {
		return "", err
	}
	return downloadRaster(ctx, storage, bucket, object, workdir)
}

func downloadRaster(ctx context.Context, storage Storage, bucket, object, workdir string) (string, error) {
	exists, err := storage.BucketExists(ctx, bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("no such bucket: %s", bucket)
	}
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return "", err
	}
	local := filepath.Join(workdir, filepath.Base(object))
	if err := storage.FGetObject(ctx, bucket, object, local, minio.GetObjectOptions{}); err != nil {
		return "", err
	}
	return expand(local)
}

// expand decompresses a downloaded file whose name ends in a known
// compression suffix, returning the path of the uncompressed file.
// Other files are returned unchanged.
func expand(path string) (string, error) {
	var open func(io.Reader) (io.Reader, error)
	switch {
	case strings.HasSuffix(path, ".gz"):
		open = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	case strings.HasSuffix(path, ".bz2"):
		open = func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r, &bzip2.ReaderConfig{}) }
	case strings.HasSuffix(path, ".xz"):
		open = func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }
	case strings.HasSuffix(path, ".br"):
		open = func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }
	case strings.HasSuffix(path, ".zst"):
		open = func(r io.Reader) (io.Reader, error) { return zstd.NewReader(r) }
	default:
		return path, nil
	}

	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()
	reader, err := open(in)
	if err != nil {
		return "", err
	}

	outPath := strings.TrimSuffix(path, filepath.Ext(path))
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return outPath, nil
}
