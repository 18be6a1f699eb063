package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/config"
	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/metrics"
	"github.com/fpang/grading-queue/internal/poller"
	"github.com/fpang/grading-queue/internal/upload"
)

// Open builds a session from configuration: the API token is resolved
// (from SSM if needed), the grading client and preview publisher are created
// and metrics go to metricsOut when enabled. AWS configuration is only loaded
// when SSM or S3 is actually used.
func Open(ctx context.Context, cfg config.Config, metricsOut io.Writer) (*Session, error) {
	start := time.Now()
	loader := &lazyAWS{}

	if cfg.NeedsSSM() {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveToken(ctx, ssm.NewFromConfig(awsCfg)); err != nil {
			return nil, err
		}
	}

	publisher, err := newPublisher(ctx, cfg, loader)
	if err != nil {
		return nil, err
	}

	if metricsOut == nil {
		metricsOut = os.Stdout
	}
	client := grading.NewClient(cfg.BaseURL, cfg.Token, cfg.HTTPTimeout)
	s := New(ctx, client, Options{
		Poll: poller.Config{
			Interval:          cfg.PollInterval,
			Timeout:           cfg.PollTimeout,
			RequestsPerSecond: cfg.PollRPS,
		},
		StateFile: cfg.StateFile,
		Publisher: publisher,
		Metrics:   metrics.NewEmitter(metricsOut, cfg.Metrics),
	})

	log.Debug().
		Str("baseUrl", cfg.BaseURL).
		Bool("token", cfg.Token != "").
		Dur("elapsed", time.Since(start)).
		Msg("Session assembled")
	return s, nil
}

// newPublisher selects S3 previews when a bucket is configured.
func newPublisher(ctx context.Context, cfg config.Config, a *lazyAWS) (upload.PreviewPublisher, error) {
	if cfg.PreviewBucket == "" {
		return upload.LocalPublisher{}, nil
	}
	awsCfg, err := a.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("preview bucket %s: %w", cfg.PreviewBucket, err)
	}
	client := s3.NewFromConfig(awsCfg)
	return upload.NewS3Publisher(client, s3.NewPresignClient(client), cfg.PreviewBucket, cfg.PreviewPrefix, cfg.PreviewExpiry), nil
}

type lazyAWS struct {
	cfg    aws.Config
	loaded bool
}

func (l *lazyAWS) load(ctx context.Context) (aws.Config, error) {
	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := config.LoadAWS(ctx)
	if err != nil {
		return aws.Config{}, err
	}
	l.cfg, l.loaded = cfg, true
	return cfg, nil
}
