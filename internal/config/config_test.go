package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvBaseURL, EnvToken, EnvTokenParam, EnvPollInterval, EnvPollTimeout,
		EnvPollRPS, EnvHTTPTimeout, EnvStateFile, EnvPreviewBucket,
		EnvPreviewPrefix, EnvPreviewExpiry, EnvMetrics,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != DefaultBaseURL || cfg.PollInterval != DefaultPollInterval || cfg.PollTimeout != DefaultPollTimeout {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.PollRPS != DefaultPollRPS || cfg.HTTPTimeout != DefaultHTTPTimeout || cfg.Metrics {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if !strings.HasSuffix(cfg.StateFile, "state.zst") {
		t.Errorf("unexpected state file %q", cfg.StateFile)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBaseURL, "https://grader.example.com")
	t.Setenv(EnvPollInterval, "500ms")
	t.Setenv(EnvPollTimeout, "3m")
	t.Setenv(EnvPollRPS, "2.5")
	t.Setenv(EnvMetrics, "1")
	t.Setenv(EnvPreviewBucket, "previews")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != "https://grader.example.com" || cfg.PollInterval != 500*time.Millisecond || cfg.PollTimeout != 3*time.Minute {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.PollRPS != 2.5 || !cfg.Metrics || cfg.PreviewBucket != "previews" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := map[string]string{
		EnvPollInterval: "two seconds",
		EnvPollRPS:      "-1",
		EnvMetrics:      "maybe",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), key) {
				t.Errorf("expected error naming %s, got %v", key, err)
			}
		})
	}
}

type fakeSSM struct {
	value string
	err   error
	name  string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.name = *in.Name
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: &f.value}}, nil
}

func TestResolveToken(t *testing.T) {
	cfg := Config{TokenParam: "/grading/prod/api-token"}
	if !cfg.NeedsSSM() {
		t.Fatal("expected SSM lookup to be needed")
	}
	fake := &fakeSSM{value: "secret"}
	if err := cfg.ResolveToken(context.Background(), fake); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Token != "secret" || fake.name != "/grading/prod/api-token" {
		t.Errorf("unexpected result token=%q param=%q", cfg.Token, fake.name)
	}
	if cfg.NeedsSSM() {
		t.Error("expected no further lookup once the token is set")
	}
}

func TestResolveTokenErrors(t *testing.T) {
	cfg := Config{}
	if err := cfg.ResolveToken(context.Background(), &fakeSSM{}); !errors.Is(err, ErrNoTokenParam) {
		t.Errorf("expected ErrNoTokenParam, got %v", err)
	}

	cfg = Config{TokenParam: "/missing"}
	if err := cfg.ResolveToken(context.Background(), &fakeSSM{err: errors.New("ParameterNotFound")}); err == nil {
		t.Error("expected error")
	}

	cfg = Config{Token: "direct"}
	fake := &fakeSSM{}
	if err := cfg.ResolveToken(context.Background(), fake); err != nil || fake.name != "" {
		t.Errorf("expected direct token to skip SSM, got err=%v param=%q", err, fake.name)
	}
}
