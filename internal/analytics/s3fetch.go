// -------------------------------------------------------------------------------
// GeoIP Download - Fetch MaxMind Databases from S3
//
// Author: Alex Freidah
//
// Downloads the City and ASN databases from an S3-compatible bucket into a
// local directory at startup so images do not need to bake them in. A missing
// object is a startup error rather than a silent fallback to unknown
// dimensions.
// -------------------------------------------------------------------------------

package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/afreidah/shortlinkd/internal/config"
)

// ObjectGetter is the subset of the S3 client used for downloads.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client for the GeoIP source. Without static keys
// requests are sent unsigned.
func NewS3Client(cfg config.GeoIPS3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.ForcePathStyle,
		Credentials:  aws.AnonymousCredentials{},
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return s3.New(opts)
}

// FetchGeoIPDatabases downloads the configured keys into dir and returns the
// local paths. A key left empty yields an empty path.
func FetchGeoIPDatabases(ctx context.Context, client ObjectGetter, cfg config.GeoIPS3Config, dir string) (cityPath, asnPath string, err error) {
	if cfg.CityKey != "" {
		cityPath = filepath.Join(dir, "GeoLite2-City.mmdb")
		if err := download(ctx, client, cfg.Bucket, cfg.CityKey, cityPath); err != nil {
			return "", "", err
		}
	}
	if cfg.ASNKey != "" {
		asnPath = filepath.Join(dir, "GeoLite2-ASN.mmdb")
		if err := download(ctx, client, cfg.Bucket, cfg.ASNKey, asnPath); err != nil {
			return "", "", err
		}
	}
	return cityPath, asnPath, nil
}

// download streams one object to dest via a temp file and rename.
func download(ctx context.Context, client ObjectGetter, bucket, key, dest string) error {
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return fmt.Errorf("GeoIP database s3://%s/%s does not exist", bucket, key)
		}
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".geoip-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to install %s: %w", dest, err)
	}

	slog.Info("Downloaded GeoIP database", "bucket", bucket, "key", key, "path", dest, "bytes", n)
	return nil
}
