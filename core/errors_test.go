package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConfigErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *ConfigError
		code string
		want []string
	}{
		{
			name: "env file missing",
			err:  ErrEnvFileMissing("/etc/app/.env"),
			code: ErrCodeEnvFileMissing,
			want: []string{"/etc/app/.env", "example.env"},
		},
		{
			name: "listen address",
			err:  ErrInvalidListenAddr("localhost", errors.New("missing port")),
			code: ErrCodeInvalidListenAddr,
			want: []string{"localhost", "missing port", "host:port"},
		},
		{
			name: "sampler config",
			err:  ErrInvalidSamplerConfig("sampler.yaml", errors.New("bad eta")),
			code: ErrCodeInvalidSamplerConfig,
			want: []string{"sampler.yaml", "bad eta"},
		},
		{
			name: "missing config",
			err:  ErrMissingConfig("SD_DB_PATH"),
			code: ErrCodeMissingConfig,
			want: []string{"SD_DB_PATH"},
		},
		{
			name: "output dir",
			err:  ErrOutputDir("/readonly", errors.New("permission denied")),
			code: ErrCodeOutputDir,
			want: []string{"/readonly", "SD_OUTPUT_DIR"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			msg := tt.err.Error()
			for _, s := range tt.want {
				if !strings.Contains(msg, s) {
					t.Errorf("Error() = %q, missing %q", msg, s)
				}
			}
		})
	}
}

func TestConfigErrorWithoutAction(t *testing.T) {
	err := &ConfigError{Message: "plain"}
	if err.Error() != "plain" {
		t.Errorf("Error() = %q, want %q", err.Error(), "plain")
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	cause := errors.New("bad eta")
	err := fmt.Errorf("startup: %w", ErrInvalidSamplerConfig("env", cause))

	if !errors.Is(err, cause) {
		t.Error("wrapped ConfigError should expose its cause")
	}
	got, ok := IsConfigError(err)
	if !ok || got.Code != ErrCodeInvalidSamplerConfig {
		t.Errorf("IsConfigError() = %v, %v", got, ok)
	}
	if GetErrorCode(err) != ErrCodeInvalidSamplerConfig {
		t.Errorf("GetErrorCode() = %q", GetErrorCode(err))
	}
}

func TestIsConfigErrorNegative(t *testing.T) {
	if _, ok := IsConfigError(errors.New("other")); ok {
		t.Error("IsConfigError() = true for a plain error")
	}
	if GetErrorCode(nil) != "" {
		t.Error("GetErrorCode(nil) should be empty")
	}
}
