package internal

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-faster/errors"
)

// downloadS3File reads s3://bucket/key with the default AWS credential chain.
func downloadS3File(ctx context.Context, filename string) ([]byte, error) {
	u, err := url.Parse(filename)
	if err != nil {
		return nil, err
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, errors.Errorf("invalid S3 URL %q", filename)
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	// TODO stream large files instead of reading them into memory
	svc := s3.NewFromConfig(cfg)
	resp, err := svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", filename)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
