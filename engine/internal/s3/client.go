package s3

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	laws "github.com/llmariner/common/pkg/aws"
	"github.com/llmariner/hemoseg/engine/internal/config"
)

// NewClient returns a new S3 client.
func NewClient(ctx context.Context, c config.S3Config) (*Client, error) {
	opts := laws.NewS3ClientOptions{
		EndpointURL: c.EndpointURL,
		Region:      c.Region,
	}
	if ar := c.AssumeRole; ar != nil {
		opts.AssumeRole = &laws.AssumeRole{
			RoleARN:    ar.RoleARN,
			ExternalID: ar.ExternalID,
		}
	}
	svc, err := laws.NewS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		svc: svc,
	}, nil
}

// Client is a client for S3.
type Client struct {
	svc *s3.Client
}

// Download uses a download manager to download an object from a bucket.
// The download manager gets the data in parts and writes them to w until all of
// the data has been downloaded.
func (c *Client) Download(ctx context.Context, w io.WriterAt, bucket, key string) error {
	const partMiBs int64 = 64
	downloader := manager.NewDownloader(c.svc, func(d *manager.Downloader) {
		d.PartSize = partMiBs * 1024 * 1024
	})
	_, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	return nil
}

// IsPermanentError returns true if retrying the request cannot succeed.
func IsPermanentError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "NoSuchBucket", "NoSuchKey", "NotFound":
		return true
	default:
		return false
	}
}
