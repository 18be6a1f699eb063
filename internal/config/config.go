// Package config resolves grading-queue settings from environment variables,
// with the API token optionally fetched from AWS SSM Parameter Store.
// Command-line flags override what Load returns.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// Environment variables read by Load.
const (
	EnvBaseURL       = "GRADER_BASE_URL"
	EnvToken         = "GRADER_API_TOKEN"
	EnvTokenParam    = "GRADER_API_TOKEN_PARAM"
	EnvPollInterval  = "GRADER_POLL_INTERVAL"
	EnvPollTimeout   = "GRADER_POLL_TIMEOUT"
	EnvPollRPS       = "GRADER_POLL_RPS"
	EnvHTTPTimeout   = "GRADER_HTTP_TIMEOUT"
	EnvStateFile     = "GRADER_STATE_FILE"
	EnvPreviewBucket = "GRADER_PREVIEW_BUCKET"
	EnvPreviewPrefix = "GRADER_PREVIEW_PREFIX"
	EnvPreviewExpiry = "GRADER_PREVIEW_EXPIRY"
	EnvMetrics       = "GRADER_METRICS"
)

// Defaults.
const (
	DefaultBaseURL       = "http://localhost:8000"
	DefaultPollInterval  = 2 * time.Second
	DefaultPollTimeout   = 10 * time.Minute
	DefaultPollRPS       = 10.0
	DefaultHTTPTimeout   = 60 * time.Second
	DefaultPreviewPrefix = "grading-previews"
	DefaultPreviewExpiry = 24 * time.Hour

	stateDir  = ".grading-queue"
	stateFile = "state.zst"
)

// ErrNoTokenParam is returned by ResolveToken when SSM lookup is requested
// without a parameter name.
var ErrNoTokenParam = errors.New("no SSM parameter configured for the API token")

// Config is the resolved configuration.
type Config struct {
	BaseURL    string
	Token      string
	TokenParam string

	PollInterval time.Duration
	PollTimeout  time.Duration
	PollRPS      float64
	HTTPTimeout  time.Duration

	StateFile string

	PreviewBucket string
	PreviewPrefix string
	PreviewExpiry time.Duration

	Metrics bool
}

// Load reads the environment. Malformed values are errors rather than being
// silently replaced with defaults.
func Load() (Config, error) {
	cfg := Config{
		BaseURL:       envOr(EnvBaseURL, DefaultBaseURL),
		Token:         os.Getenv(EnvToken),
		TokenParam:    os.Getenv(EnvTokenParam),
		StateFile:     envOr(EnvStateFile, DefaultStateFile()),
		PreviewBucket: os.Getenv(EnvPreviewBucket),
		PreviewPrefix: envOr(EnvPreviewPrefix, DefaultPreviewPrefix),
	}

	var err error
	if cfg.PollInterval, err = durationEnv(EnvPollInterval, DefaultPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.PollTimeout, err = durationEnv(EnvPollTimeout, DefaultPollTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = durationEnv(EnvHTTPTimeout, DefaultHTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PreviewExpiry, err = durationEnv(EnvPreviewExpiry, DefaultPreviewExpiry); err != nil {
		return Config{}, err
	}
	if cfg.PollRPS, err = floatEnv(EnvPollRPS, DefaultPollRPS); err != nil {
		return Config{}, err
	}
	if cfg.Metrics, err = boolEnv(EnvMetrics, false); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultStateFile is ~/.grading-queue/state.zst, or a file in the working
// directory when the home directory is unknown.
func DefaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(stateDir, stateFile)
	}
	return filepath.Join(home, stateDir, stateFile)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s: expected a positive number, got %q", key, v)
	}
	return f, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

// ParameterGetter is the subset of *ssm.Client used for the token lookup.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NeedsSSM reports whether the token has to be fetched from SSM.
func (c *Config) NeedsSSM() bool {
	return c.Token == "" && c.TokenParam != ""
}

// ResolveToken fetches the API token from SSM Parameter Store when no token
// was given directly.
func (c *Config) ResolveToken(ctx context.Context, client ParameterGetter) error {
	if c.Token != "" {
		return nil
	}
	if c.TokenParam == "" {
		return ErrNoTokenParam
	}

	start := time.Now()
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &c.TokenParam,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("read API token from SSM %s: %w", c.TokenParam, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return fmt.Errorf("SSM parameter %s has no value", c.TokenParam)
	}
	c.Token = *out.Parameter.Value
	log.Debug().Str("param", c.TokenParam).Dur("elapsed", time.Since(start)).Msg("API token loaded from SSM")
	return nil
}

// LoadAWS loads the default AWS configuration chain.
func LoadAWS(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return cfg, nil
}
