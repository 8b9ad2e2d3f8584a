package archive

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// PutObjectAPI is the subset of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads a job's output folder under
// <prefix><kernel>/<job_id>/<relative path>.
type Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// Result summarises one archive run.
type Result struct {
	Bucket string
	Keys   []string
	Bytes  int64
}

// New builds an Archiver backed by the AWS SDK.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bucket, prefix, _ := ParseURI(cfg.URI)

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ArchiveError{Op: "New", Bucket: bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, bucket, prefix, logger), nil
}

// NewWithClient wires an Archiver to an existing client.
func NewWithClient(client PutObjectAPI, bucket, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Region == "" && cfg.Endpoint == "" && cfg.DetectRegion {
		opts = append(opts, config.WithEC2IMDSRegion(func(o *config.UseEC2IMDSRegion) {
			o.Client = imds.New(imds.Options{})
		}))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// KeyPrefix returns the key prefix used for one job.
func (a *Archiver) KeyPrefix(kernel, jobID string) string {
	return a.prefix + kernel + "/" + jobID + "/"
}

// ArchiveDir uploads every regular file under dir. Uploads stop at the first
// failure; keys already written are reported in the result.
func (a *Archiver) ArchiveDir(ctx context.Context, kernel, jobID, dir string) (*Result, error) {
	res := &Result{Bucket: a.bucket}
	base := a.KeyPrefix(kernel, jobID)

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := base + path.Clean(filepath.ToSlash(rel))
		n, err := a.putFile(ctx, p, key)
		if err != nil {
			return err
		}
		res.Keys = append(res.Keys, key)
		res.Bytes += n
		a.logger.Debug("Archived output file", zap.String("key", key), zap.Int64("bytes", n))
		return nil
	})
	if err != nil {
		return res, err
	}
	a.logger.Info("Output archived",
		zap.String("job_id", jobID),
		zap.String("destination", fmt.Sprintf("s3://%s/%s", a.bucket, base)),
		zap.Int("files", len(res.Keys)),
		zap.Int64("bytes", res.Bytes))
	return res, nil
}

func (a *Archiver) putFile(ctx context.Context, p, key string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := a.client.PutObject(ctx, in); err != nil {
		return 0, wrapError("PutObject", a.bucket, key, err)
	}
	return size, nil
}
