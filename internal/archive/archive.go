// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive uploads finished run reports to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tombee/pipewright/pkg/pipeline"
)

// Config configures the archive sink.
type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("archive endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("archive bucket is required")
	}
	return nil
}

// ObjectStore is the subset of *minio.Client the sink uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ ObjectStore = (*minio.Client)(nil)

// Sink is a pipeline.Sink that uploads a JSON report when a run reaches a
// terminal status. Stage results and non-terminal saves are ignored.
type Sink struct {
	client ObjectStore
	bucket string
	prefix string
	logger *slog.Logger
}

var _ pipeline.Sink = (*Sink)(nil)

// NewMinIOClient creates a client for the configured endpoint.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// New connects to the object store and creates the bucket if missing.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure archive bucket: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient wraps an existing client. The bucket must exist.
func NewWithClient(client ObjectStore, bucket, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(slog.String("component", "archive")),
	}
}

// ObjectKey returns where a run's report is stored:
// <prefix><pipeline>/<yyyy>/<mm>/<dd>/<run id>.json, dated by run start.
func (s *Sink) ObjectKey(run *pipeline.Run) string {
	started := run.StartedAt.UTC()
	return s.prefix + path.Join(run.Pipeline, started.Format("2006/01/02"), run.ID+".json")
}

// SaveRun uploads the report of a terminal run.
func (s *Sink) SaveRun(ctx context.Context, run *pipeline.Run) error {
	if !run.Status.Terminal() {
		return nil
	}

	data, err := json.MarshalIndent(NewReport(run), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := s.ObjectKey(run)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"pipeline": run.Pipeline,
			"status":   string(run.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("upload report %s: %w", key, err)
	}

	s.logger.Debug("archived run report",
		slog.String("run_id", run.ID),
		slog.String("bucket", info.Bucket),
		slog.String("key", info.Key),
		slog.Int64("size", info.Size))
	return nil
}

// SaveStageResult implements pipeline.Sink.
func (s *Sink) SaveStageResult(context.Context, string, pipeline.StageResult) error {
	return nil
}

func ensureBucket(ctx context.Context, client ObjectStore, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
