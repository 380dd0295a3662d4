// Package storage fetches firmware packages from S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/security"
)

// Scheme prefixes package locations served from S3.
const Scheme = "s3://"

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Location is a bucket and key. A key ending in "/" names a package
// directory.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return Scheme + l.Bucket + "/" + l.Key
}

// Prefix reports whether the location names a directory of objects.
func (l Location) Prefix() bool {
	return strings.HasSuffix(l.Key, "/")
}

// IsRemote reports whether path is an S3 location.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, Scheme)
}

// ParseURL parses s3://bucket/key.
func ParseURL(raw string) (Location, error) {
	if !IsRemote(raw) {
		return Location{}, fmt.Errorf("%q is not an %s URL", raw, Scheme)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, errors.Wrap(err, "failed to parse package URL")
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" || key == "/" {
		return Location{}, fmt.Errorf("%q needs both a bucket and a key", raw)
	}
	return Location{Bucket: u.Host, Key: key}, nil
}

// Client provides S3 storage operations
type Client struct {
	s3Client API
}

// NewClient creates an S3 client. Anonymous access skips the credential
// chain, for public buckets.
func NewClient(ctx context.Context, region string, anonymous bool) (*Client, error) {
	slog.Info("s3_client_init", "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return NewClientWithAPI(s3.NewFromConfig(cfg)), nil
}

// NewClientWithAPI wraps an existing S3 API implementation.
func NewClientWithAPI(api API) *Client {
	return &Client{s3Client: api}
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download writes one object to localPath and computes its SHA256.
func (c *Client) Download(ctx context.Context, loc Location, localPath string) (*DownloadResult, error) {
	return c.DownloadLimited(ctx, loc, localPath, 0)
}

// DownloadLimited is Download for objects of at most limit bytes. A limit of
// zero or less means no limit. Oversized objects fail with a partial file left
// at localPath.
func (c *Client) DownloadLimited(ctx context.Context, loc Location, localPath string, limit int64) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", loc.Bucket, "s3_key", loc.Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", loc.Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	if limit > 0 && result.ContentLength != nil && *result.ContentLength > limit {
		slog.Error("s3_object_too_large", "s3_key", loc.Key, "size", *result.ContentLength, "limit", limit)
		return nil, fmt.Errorf("object %s is %d bytes, limit is %d", loc, *result.ContentLength, limit)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create download dir")
	}
	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	var body io.Reader = result.Body
	if limit > 0 {
		body = io.LimitReader(result.Body, limit+1)
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", loc.Key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	if limit > 0 && size > limit {
		slog.Error("s3_object_too_large", "s3_key", loc.Key, "limit", limit)
		return nil, fmt.Errorf("object %s exceeds the %d byte limit", loc, limit)
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_download_complete",
		"s3_key", loc.Key,
		"size", size,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)
	return &DownloadResult{LocalPath: localPath, SHA256: checksum, Size: size}, nil
}

// ListObjects lists all keys under prefix.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	slog.Info("s3_list_start", "bucket", bucket, "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))
	return keys, nil
}

// FetchPackage downloads the package at loc into a fresh directory under
// workDir and returns the local path to load: the downloaded file, or the
// directory for a prefix location. Object names under a prefix are checked
// with the validator so none can land outside that directory.
func (c *Client) FetchPackage(ctx context.Context, loc Location, workDir string, validator *security.Validator) (string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create work dir")
	}
	dir, err := os.MkdirTemp(workDir, "download-")
	if err != nil {
		return "", errors.Wrap(err, "failed to create download dir")
	}

	local, err := c.fetch(ctx, loc, dir, validator)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return local, nil
}

func (c *Client) fetch(ctx context.Context, loc Location, dir string, validator *security.Validator) (string, error) {
	if !loc.Prefix() {
		res, err := c.DownloadLimited(ctx, loc, filepath.Join(dir, path.Base(loc.Key)), validator.MaxTotalSize())
		if err != nil {
			return "", err
		}
		return res.LocalPath, nil
	}

	keys, err := c.ListObjects(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return "", err
	}
	validator.Reset()
	for _, key := range keys {
		name := strings.TrimPrefix(key, loc.Key)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		if err := validator.ValidatePath(name); err != nil {
			return "", err
		}
		res, err := c.DownloadLimited(ctx, Location{Bucket: loc.Bucket, Key: key}, filepath.Join(dir, filepath.FromSlash(name)), validator.MaxFileSize())
		if err != nil {
			return "", err
		}
		if err := validator.AddExtractedSize(res.Size); err != nil {
			return "", err
		}
	}
	if _, files := validator.Extracted(); files == 0 {
		return "", fmt.Errorf("no objects under %s", loc)
	}
	return dir, nil
}
