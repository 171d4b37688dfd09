// Package s3backend implements archive.Backend against an S3-compatible
// object store, grounded on the teacher's internal/storage/s3.go client
// setup (same BaseEndpoint/UsePathStyle support so the same backend
// targets AWS S3, Cloudflare R2, or a local MinIO).
package s3backend

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ben-z/teslausb-ng/internal/archive"
	"github.com/ben-z/teslausb-ng/internal/fsadapter"
	"github.com/ben-z/teslausb-ng/internal/logging"
)

// Config mirrors config.S3Config; duplicated here (rather than importing
// internal/config) to keep this package importable without pulling in the
// rest of the daemon's configuration surface.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	Prefix       string
	AccessKeyID  string
	SecretKey    string
}

// Backend copies directories into an S3-compatible bucket, one object per
// file, under Prefix.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	fs     fsadapter.Filesystem
	log    *logging.Logger
}

var _ archive.Backend = (*Backend)(nil)

// New builds a Backend from cfg. If AccessKeyID is empty, the default AWS
// credential chain is used (IAM instance profile, environment, shared
// config) exactly as the teacher's CheckpointStore does.
func New(ctx context.Context, cfg Config, fs fsadapter.Filesystem) (*Backend, error) {
	var client *s3.Client

	if cfg.AccessKeyID != "" {
		opts := []func(*s3.Options){
			func(o *s3.Options) {
				o.Region = cfg.Region
				o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")
				if cfg.UsePathStyle {
					o.UsePathStyle = true
				}
				if cfg.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.Endpoint)
				}
			},
		}
		client = s3.New(s3.Options{}, opts...)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config for S3 backend: %w", err)
		}
		var s3Opts []func(*s3.Options)
		if cfg.UsePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
		}
		if cfg.Endpoint != "" {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
		}
		client = s3.NewFromConfig(awsCfg, s3Opts...)
	}

	return &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		fs:     fs,
		log:    logging.New("s3backend"),
	}, nil
}

// IsReachable issues a cheap HeadBucket call, bounded by ctx.
func (b *Backend) IsReachable(ctx context.Context) bool {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		b.log.Printf("bucket %s unreachable: %v", b.bucket, err)
		return false
	}
	return true
}

// CopyDirectory walks srcPath through the filesystem adapter and issues
// one PutObject per file, building the manifest as it goes. A failure on
// any single file fails the whole directory (the caller's manifest for
// this directory is simply discarded; files already uploaded are left in
// place — they will be re-uploaded, harmlessly, on the next successful
// attempt).
func (b *Backend) CopyDirectory(ctx context.Context, srcPath, dstName string) archive.CopyResult {
	var manifest []archive.ManifestEntry
	var totalBytes int64
	var files int

	err := b.fs.Walk(srcPath, func(path string, info fsadapter.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir {
			return nil
		}
		rel, relErr := filepath.Rel(srcPath, path)
		if relErr != nil {
			return relErr
		}

		data, readErr := b.fs.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read %s: %w", path, readErr)
		}

		key := b.objectKey(dstName, rel)
		if _, putErr := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		}); putErr != nil {
			return fmt.Errorf("put %s: %w", key, putErr)
		}

		manifest = append(manifest, archive.ManifestEntry{RelPath: rel, Size: info.Size})
		totalBytes += info.Size
		files++
		return nil
	})

	if err != nil {
		return archive.CopyResult{Success: false, Err: err}
	}
	return archive.CopyResult{Success: true, Files: files, Bytes: totalBytes, Manifest: manifest}
}

func (b *Backend) objectKey(dstName, relPath string) string {
	if b.prefix == "" {
		return filepath.ToSlash(filepath.Join(dstName, relPath))
	}
	return filepath.ToSlash(filepath.Join(b.prefix, dstName, relPath))
}
