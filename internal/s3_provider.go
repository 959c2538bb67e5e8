package internal

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// S3Provider stores maps as objects in a bucket.
type S3Provider struct {
	*objectMaps
	cfg    S3Config
	bucket *s3Objects
}

func NewS3Provider(cfg *Config, store CredentialStore, logger zerolog.Logger) (CloudProvider, error) {
	sc := cfg.Providers.S3
	if sc == nil {
		return nil, errNotConfigured
	}

	prefix := sc.Prefix
	if prefix == "" {
		prefix = "maps"
	}

	base := newProviderBase("s3", "Amazon S3", NewCapabilities(PrivateStorage, ShareURLs), cfg, store, logger)
	p := &S3Provider{cfg: *sc, bucket: &s3Objects{cfg: *sc}}
	p.objectMaps = &objectMaps{providerBase: base, objects: p.bucket, prefix: prefix}
	return p, nil
}

func (p *S3Provider) IsEnabled() bool {
	return p.cfg.Bucket != ""
}

// Login resolves AWS credentials and remembers the configured owner.
func (p *S3Provider) Login(ctx context.Context) error {
	if p.AccessToken() != "" {
		return nil
	}
	done, err := p.beginLogin()
	if err != nil {
		return err
	}
	defer done()

	if !p.IsEnabled() {
		return p.fail(newProviderError(p.name, KindConfig, "No bucket set for S3 provider"))
	}
	if p.cfg.Owner == "" {
		return p.fail(newProviderError(p.name, KindConfig, "No owner set for S3 provider"))
	}

	awsCfg, err := p.bucket.config(ctx)
	if err != nil {
		return p.fail(newProviderError(p.name, KindConfig, "Cannot load AWS configuration: %s", err))
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return p.fail(&ProviderError{Provider: p.name, Kind: KindAuth, Message: "Cannot resolve AWS credentials", Err: err})
	}

	values := map[string]string{
		tokenField:    creds.AccessKeyID,
		usernameField: p.cfg.Owner,
	}
	if creds.CanExpire {
		values[expiresField] = creds.Expires.UTC().Format(time.RFC3339)
	}
	if err := p.saveCredentials(ctx, values); err != nil {
		return p.fail(err)
	}
	p.logger.Info().Str("user", p.cfg.Owner).Str("bucket", p.cfg.Bucket).Msg("Logged in")
	return nil
}

type s3Objects struct {
	cfg S3Config

	mu        sync.Mutex
	awsCfg    *aws.Config
	svc       *s3.Client
	anonymous *s3.Client
}

func (o *s3Objects) config(ctx context.Context) (aws.Config, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.awsCfg != nil {
		return *o.awsCfg, nil
	}

	opts := []func(*config.LoadOptions) error{}
	if o.cfg.Region != "" {
		opts = append(opts, config.WithRegion(o.cfg.Region))
	}
	if o.cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.cfg.AccessKeyID, o.cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}
	o.awsCfg = &awsCfg
	return awsCfg, nil
}

func (o *s3Objects) client(ctx context.Context, anonymous bool) (*s3.Client, error) {
	awsCfg, err := o.config(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if anonymous && o.anonymous != nil {
		return o.anonymous, nil
	}
	if !anonymous && o.svc != nil {
		return o.svc, nil
	}

	client := s3.NewFromConfig(awsCfg, func(opt *s3.Options) {
		if o.cfg.Endpoint != "" {
			opt.BaseEndpoint = aws.String(o.cfg.Endpoint)
		}
		opt.UsePathStyle = o.cfg.PathStyle
		if anonymous {
			opt.Credentials = aws.AnonymousCredentials{}
		}
	})
	if anonymous {
		o.anonymous = client
	} else {
		o.svc = client
	}
	return client, nil
}

func (o *s3Objects) Put(ctx context.Context, key string, body []byte, contentType string) error {
	svc, err := o.client(ctx, false)
	if err != nil {
		return err
	}
	_, err = svc.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}

func (o *s3Objects) Get(ctx context.Context, key string, anonymous bool) ([]byte, error) {
	svc, err := o.client(ctx, anonymous)
	if err != nil {
		return nil, err
	}
	resp, err := svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errObjectNotFound
		}
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (o *s3Objects) List(ctx context.Context, prefix string) ([]string, error) {
	svc, err := o.client(ctx, false)
	if err != nil {
		return nil, err
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(svc, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return keys, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (o *s3Objects) Delete(ctx context.Context, keys ...string) error {
	svc, err := o.client(ctx, false)
	if err != nil {
		return err
	}
	for _, k := range keys {
		_, err := svc.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(o.cfg.Bucket),
			Key:    aws.String(k),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
