package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/kazz187/accessguard/internal/enforce"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".accessguard/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"accessguard/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// Redis settings (used when Type == "redis")
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB     int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix string `envconfig:"REDIS_PREFIX" default:"accessguard"`
}

type PolicyEnv struct {
	// HomeDir overrides the OS home directory used by the home deny-rules.
	HomeDir             string   `envconfig:"HOME_DIR"`
	AppsDir             string   `envconfig:"APPS_DIR"`
	AppPolicyFiles      []string `envconfig:"APP_POLICY_FILES" default:"manifest.yaml,policy.yaml"`
	ExtraSensitivePaths []string `envconfig:"EXTRA_SENSITIVE_PATHS"`
}

type ApprovalEnv struct {
	Timeout       time.Duration `envconfig:"APPROVAL_TIMEOUT" default:"5m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
}

type GateEnv struct {
	Sandbox       string   `envconfig:"SANDBOX" default:"bwrap"`
	BwrapPath     string   `envconfig:"BWRAP_PATH" default:"bwrap"`
	Shell         string   `envconfig:"GATE_SHELL" default:"/bin/sh"`
	DeniedDomains []string `envconfig:"DENIED_DOMAINS"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	PolicyEnv
	ApprovalEnv
	GateEnv
	VAPIDEnv
}

const namespace = "ACCESSGUARD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

// LoadPolicyEnv reads only the policy settings, so tools that evaluate
// access offline apply the same rules as the server without its API key.
func LoadPolicyEnv() (*PolicyEnv, error) {
	var p PolicyEnv
	if err := envconfig.Process(namespace, &p); err != nil {
		return nil, fmt.Errorf("failed to load policy env: %w", err)
	}
	return &p, nil
}

func (p PolicyEnv) EnforceConfig() enforce.Config {
	return enforce.Config{
		HomeDir:           p.HomeDir,
		AppsDir:           p.AppsDir,
		AppPolicyFiles:    p.AppPolicyFiles,
		SensitivePatterns: p.ExtraSensitivePaths,
	}
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}
