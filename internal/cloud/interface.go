// Package cloud talks to the object store: destination URL handling, the
// S3 client with multipart upload support, and the streaming tar uploader
// used by cloud backups.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Supported server-side encryption settings.
const (
	EncryptionAES256 = "AES256"
	EncryptionKMS    = "aws:kms"
)

// Interface is the S3 half of a cloud backup: bucket management, simple
// object puts and the multipart protocol used by the streaming tar
// uploader.
type Interface struct {
	client   *s3.Client
	uploader *manager.Uploader

	Bucket string
	Path   string

	encryption types.ServerSideEncryption

	l *slog.Logger
}

// Opts tunes the cloud connection. Credential resolution is delegated to
// the SDK's standard profile/environment chain unless explicit keys are
// given.
type Opts struct {
	Profile         string
	Encryption      string
	Endpoint        string
	Region          string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// New parses the destination URL and builds the S3 client. URL and
// encryption validation happen before any network access.
func New(ctx context.Context, destinationURL string, opts *Opts) (*Interface, error) {
	if opts == nil {
		opts = &Opts{}
	}
	dest, err := ParseDestinationURL(destinationURL)
	if err != nil {
		return nil, err
	}

	var encryption types.ServerSideEncryption
	switch opts.Encryption {
	case "":
	case EncryptionAES256:
		encryption = types.ServerSideEncryptionAes256
	case EncryptionKMS:
		encryption = types.ServerSideEncryptionAwsKms
	default:
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("unsupported encryption %q (want %s or %s)", opts.Encryption, EncryptionAES256, EncryptionKMS),
		}
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &Interface{
		client:     client,
		uploader:   manager.NewUploader(client),
		Bucket:     dest.Bucket,
		Path:       dest.Path,
		encryption: encryption,
		l:          slog.With(slog.String("component", "cloud"), slog.String("bucket", dest.Bucket)),
	}, nil
}

// Key joins elements under the destination path.
func (c *Interface) Key(elem ...string) string {
	return path.Join(append([]string{c.Path}, elem...)...)
}

// TestConnectivity checks that the bucket (or at least the endpoint) is
// reachable with the resolved credentials.
func (c *Interface) TestConnectivity(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.Bucket)})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			// endpoint reachable, bucket simply absent
			return nil
		}
		return &ConnectivityError{Op: "test connectivity", Cause: err}
	}
	return nil
}

// SetupBucket creates the destination bucket when it does not exist yet.
func (c *Interface) SetupBucket(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.Bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return &ConnectivityError{Op: "head bucket", Cause: err}
	}

	c.l.Info("bucket does not exist, creating it")
	input := &s3.CreateBucketInput{Bucket: aws.String(c.Bucket)}
	if region := c.client.Options().Region; region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := c.client.CreateBucket(ctx, input); err != nil {
		return &ConnectivityError{Op: "create bucket", Cause: err}
	}
	return nil
}

// PutObject uploads one object in a single streaming call.
func (c *Interface) PutObject(ctx context.Context, key string, body io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if c.encryption != "" {
		input.ServerSideEncryption = c.encryption
	}
	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return &ConnectivityError{Op: "put " + key, Cause: err}
	}
	return nil
}

// CreateMultipartUpload opens a multipart upload for key and returns its id.
func (c *Interface) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(key),
	}
	if c.encryption != "" {
		input.ServerSideEncryption = c.encryption
	}
	out, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", &ConnectivityError{Op: "create multipart upload " + key, Cause: err}
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart transmits one part and returns its completion record.
func (c *Interface) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (types.CompletedPart, error) {
	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.Bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	})
	if err != nil {
		return types.CompletedPart{}, &ConnectivityError{
			Op:    fmt.Sprintf("upload part %d of %s", partNumber, key),
			Cause: err,
		}
	}
	return types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)}, nil
}

// CompleteMultipartUpload assembles the object. Parts must be supplied in
// ascending part-number order.
func (c *Interface) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) error {
	for i := 1; i < len(parts); i++ {
		if aws.ToInt32(parts[i].PartNumber) <= aws.ToInt32(parts[i-1].PartNumber) {
			return fmt.Errorf("parts of %s are not in ascending order", key)
		}
	}
	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return &ConnectivityError{Op: "complete multipart upload " + key, Cause: err}
	}
	return nil
}

// AbortMultipartUpload releases the server-side resources of a failed
// upload. Leaving the parts behind would accumulate billable garbage.
func (c *Interface) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return &ConnectivityError{Op: "abort multipart upload " + key, Cause: err}
	}
	return nil
}
