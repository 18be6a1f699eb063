package upload

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/media"
)

// DefaultPreviewExpiry is the lifetime of presigned preview URLs.
const DefaultPreviewExpiry = 24 * time.Hour

// PreviewPublisher makes a homework file viewable by the review panel and
// returns the URL to show.
type PreviewPublisher interface {
	Publish(ctx context.Context, f *media.File) (string, error)
}

// LocalPublisher serves previews straight from disk.
type LocalPublisher struct{}

// Publish implements PreviewPublisher.
func (LocalPublisher) Publish(_ context.Context, f *media.File) (string, error) {
	return LocalURL(f), nil
}

// LocalURL is the preview URL of a file that has not been published.
func LocalURL(f *media.File) string {
	return "file://" + f.Path
}

// ObjectPutter is the subset of *s3.Client used for previews.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ObjectPresigner is the subset of *s3.PresignClient used for previews.
type ObjectPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Publisher uploads previews to a bucket and hands out presigned GET URLs,
// so a panel on another machine can show the original photo.
type S3Publisher struct {
	client    ObjectPutter
	presigner ObjectPresigner
	bucket    string
	prefix    string
	expiry    time.Duration
}

// NewS3Publisher creates a publisher for bucket. Objects are stored under
// prefix/<date>/<uuid>-<name>.
func NewS3Publisher(client ObjectPutter, presigner ObjectPresigner, bucket, prefix string, expiry time.Duration) *S3Publisher {
	if expiry <= 0 {
		expiry = DefaultPreviewExpiry
	}
	return &S3Publisher{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		expiry:    expiry,
	}
}

// Publish implements PreviewPublisher.
func (p *S3Publisher) Publish(ctx context.Context, f *media.File) (string, error) {
	key := path.Join(p.prefix, time.Now().UTC().Format("2006-01-02"), uuid.NewString()+"-"+f.Name)

	body, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer body.Close()

	contentType := f.MIMEType
	if _, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &p.bucket,
		Key:           &key,
		Body:          body,
		ContentType:   &contentType,
		ContentLength: &f.Size,
	}); err != nil {
		return "", fmt.Errorf("upload preview to S3: %w", err)
	}

	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = p.expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}

	log.Debug().Str("key", key).Str("file", f.Name).Msg("Preview published to S3")
	return req.URL, nil
}
