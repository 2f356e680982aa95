// Package archive uploads reclaimed segment files to S3-compatible object
// storage before the ring deletes them, giving the buffer a cold tier for
// data that would otherwise be lost to the size cap.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/msgbuf/internal/metrics"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by the archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// OnFailure selects what happens when an upload fails.
type OnFailure string

const (
	// Abort surfaces the error; cleanup stops and the segment stays on
	// disk until a later pass succeeds.
	Abort OnFailure = "abort"
	// Drop logs the error and lets cleanup delete the segment anyway.
	Drop OnFailure = "drop"
)

// S3Archiver implements mbuf.Archiver by uploading each segment file under
// <prefix>/segments/<name> with its index metadata attached.
type S3Archiver struct {
	s3        S3API
	bucket    string
	prefix    string
	onFailure OnFailure
	logger    *zap.Logger
}

func NewS3Archiver(s3api S3API, bucket, prefix string, onFailure OnFailure, logger *zap.Logger) *S3Archiver {
	return &S3Archiver{
		s3:        s3api,
		bucket:    bucket,
		prefix:    prefix,
		onFailure: onFailure,
		logger:    logger,
	}
}

func (a *S3Archiver) objectKey(name string) string {
	if a.prefix != "" {
		return fmt.Sprintf("%s/segments/%s", a.prefix, name)
	}
	return "segments/" + name
}

// Archive uploads one sealed segment file. Called by ring cleanup just
// before the file is unlinked.
func (a *S3Archiver) Archive(path string, firstID, firstTimestamp int64, count int32) error {
	err := a.upload(path, firstID, firstTimestamp, count)
	if err == nil {
		return nil
	}
	metrics.ArchiveUploadErrors.WithLabelValues(a.bucket).Inc()
	if a.onFailure == Drop {
		a.logger.Warn("segment archive failed, dropping segment anyway",
			zap.String("file", filepath.Base(path)),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (a *S3Archiver) upload(path string, firstID, firstTimestamp int64, count int32) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening segment for archive: %w", err)
	}
	defer f.Close()

	key := a.objectKey(filepath.Base(path))
	start := time.Now()
	_, err = a.s3.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"msgbuf-first-id": strconv.FormatInt(firstID, 10),
			"msgbuf-first-ts": strconv.FormatInt(firstTimestamp, 10),
			"msgbuf-count":    strconv.FormatInt(int64(count), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading segment to S3: %w", err)
	}
	metrics.ArchiveUploadDuration.WithLabelValues(a.bucket).Observe(time.Since(start).Seconds())

	a.logger.Debug("segment archived",
		zap.String("key", key),
		zap.Int64("first_id", firstID),
		zap.Int32("count", count),
	)
	return nil
}
