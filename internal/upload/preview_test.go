package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fpang/grading-queue/internal/media"
)

type fakeS3 struct {
	key         string
	contentType string
	body        string
	putErr      error
	expires     time.Duration
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.key = *in.Key
	f.contentType = *in.ContentType
	data, _ := io.ReadAll(in.Body)
	f.body = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://" + *in.Bucket + ".s3.amazonaws.com/" + *in.Key + "?X-Amz-Signature=abc"}, nil
}

func previewFile(t *testing.T) *media.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page1.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := media.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestS3PublisherPublish(t *testing.T) {
	fake := &fakeS3{}
	p := NewS3Publisher(fake, fake, "homework-previews", "/previews/", time.Hour)

	url, err := p.Publish(context.Background(), previewFile(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(fake.key, "previews/") || !strings.HasSuffix(fake.key, "-page1.jpg") {
		t.Errorf("unexpected key %q", fake.key)
	}
	if fake.contentType != "image/jpeg" || fake.body != "jpeg bytes" {
		t.Errorf("unexpected object %q %q", fake.contentType, fake.body)
	}
	if fake.expires != time.Hour {
		t.Errorf("expected 1h expiry, got %s", fake.expires)
	}
	if !strings.Contains(url, fake.key) {
		t.Errorf("expected presigned URL for %s, got %s", fake.key, url)
	}
}

func TestS3PublisherPutError(t *testing.T) {
	fake := &fakeS3{putErr: errors.New("AccessDenied")}
	p := NewS3Publisher(fake, fake, "bucket", "", 0)

	if _, err := p.Publish(context.Background(), previewFile(t)); err == nil {
		t.Error("expected error")
	}
}

func TestLocalPublisher(t *testing.T) {
	url, err := LocalPublisher{}.Publish(context.Background(), &media.File{Path: "/tmp/a.jpg"})
	if err != nil || url != "file:///tmp/a.jpg" {
		t.Errorf("unexpected result %q %v", url, err)
	}
}
