// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive compresses the result database after a fleet run and,
// when a bucket is configured, uploads it to S3.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// CompressDB gzip-compresses (parallel, via pgzip) the SQLite database at
// dbPath into "<dbPath>.gz" alongside it, returning the archive's path.
func CompressDB(dbPath string) (string, error) {
	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("archive: opening %q: %w", dbPath, err)
	}
	defer src.Close()

	archivePath := dbPath + ".gz"
	dst, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("archive: creating %q: %w", archivePath, err)
	}
	defer dst.Close()

	gz := pgzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return "", fmt.Errorf("archive: compressing %q: %w", dbPath, err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("archive: finalizing %q: %w", archivePath, err)
	}
	return archivePath, nil
}

// UploadToS3 uploads archivePath to bucket under a key namespaced by the
// current run's timestamp, using the default AWS credential chain.
func UploadToS3(ctx context.Context, bucket, archivePath string, runAt time.Time) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("archive: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("archive: opening %q: %w", archivePath, err)
	}
	defer f.Close()

	key := fmt.Sprintf("fleetexec/%s/%s", runAt.UTC().Format("2006-01-02T15-04-05"), filepath.Base(archivePath))
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: uploading %q to s3://%s/%s: %w", archivePath, bucket, key, err)
	}
	return nil
}

// Run compresses the result database and, if bucket is non-empty, uploads
// it to S3. Called once by the pool's caller after Commit().
func Run(ctx context.Context, dbPath, bucket string, runAt time.Time) error {
	archivePath, err := CompressDB(dbPath)
	if err != nil {
		return err
	}
	if bucket == "" {
		return nil
	}
	return UploadToS3(ctx, bucket, archivePath, runAt)
}
