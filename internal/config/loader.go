package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/thruflo/memwatch/internal/auth"
	"github.com/thruflo/memwatch/internal/logging"
)

// Default values for Config.
const (
	DefaultIntervalSeconds = 300.0
	DefaultTopN            = 10
	DefaultMinKB           = 64.0
	DefaultFrameLimit      = 25
	DefaultLogEveryN       = 1
	DefaultSnapshotEveryN  = 1
	DefaultArtifactDir     = ".memwatch/artifacts"
	DefaultLogLevel        = "info"
	DefaultExportInterval  = 15.0
)

// Environment keys read by ApplyEnv.
const (
	EnvLogLevel         = "MEMWATCH_LOG_LEVEL"
	EnvProfilerEnabled  = "MEMWATCH_PROFILER_ENABLED"
	EnvIntervalSeconds  = "MEMWATCH_PROFILER_INTERVAL_S"
	EnvTopN             = "MEMWATCH_PROFILER_TOP_N"
	EnvMinKB            = "MEMWATCH_PROFILER_MIN_KB"
	EnvFrameLimit       = "MEMWATCH_PROFILER_FRAME_LIMIT"
	EnvLogEnabled       = "MEMWATCH_PROFILER_LOG_ENABLED"
	EnvSnapshotEnabled  = "MEMWATCH_PROFILER_SNAPSHOT_ENABLED"
	EnvLogEveryN        = "MEMWATCH_PROFILER_LOG_EVERY_N"
	EnvSnapshotEveryN   = "MEMWATCH_PROFILER_SNAPSHOT_EVERY_N"
	EnvInclude          = "MEMWATCH_PROFILER_INCLUDE"
	EnvExclude          = "MEMWATCH_PROFILER_EXCLUDE"
	EnvArtifactType     = "MEMWATCH_ARTIFACT_TYPE"
	EnvArtifactDir      = "MEMWATCH_ARTIFACT_DIR"
	EnvArtifactBucket   = "MEMWATCH_ARTIFACT_S3_BUCKET"
	EnvArtifactRegion   = "MEMWATCH_ARTIFACT_S3_REGION"
	EnvArtifactEndpoint = "MEMWATCH_ARTIFACT_S3_ENDPOINT"
	EnvArtifactPrefix   = "MEMWATCH_ARTIFACT_S3_PREFIX"
	EnvServerListen     = "MEMWATCH_SERVER_LISTEN"
	EnvServerPassword   = "MEMWATCH_SERVER_PASSWORD_HASH"
	EnvOTLPEndpoint     = "MEMWATCH_OTLP_ENDPOINT"
	EnvOTLPInsecure     = "MEMWATCH_OTLP_INSECURE"
	EnvOTLPInterval     = "MEMWATCH_OTLP_EXPORT_INTERVAL_S"
)

const (
	configDirName        = ".memwatch"
	configFileName       = "config.yaml"
	envFileName          = ".env"
	moduleCachePattern   = "/pkg/mod/"
	listSeparator        = ","
	defaultArtifactsType = ArtifactTypeFS
)

// DefaultExclude returns the scope patterns dropped from heap diffs unless
// overridden: the Go standard library sources and the module cache.
func DefaultExclude() []string {
	patterns := []string{moduleCachePattern}
	//nolint:staticcheck // GOROOT of the build is what heap profile paths point at.
	if root := runtime.GOROOT(); root != "" {
		patterns = append([]string{filepath.ToSlash(filepath.Join(root, "src")) + "/"}, patterns...)
	}
	return patterns
}

// DefaultProfiler returns profiler settings with default values.
func DefaultProfiler() Profiler {
	return Profiler{
		Enabled:         false,
		IntervalSeconds: DefaultIntervalSeconds,
		TopN:            DefaultTopN,
		MinKB:           DefaultMinKB,
		FrameLimit:      DefaultFrameLimit,
		LogEnabled:      true,
		SnapshotEnabled: true,
		LogEveryN:       DefaultLogEveryN,
		SnapshotEveryN:  DefaultSnapshotEveryN,
		Exclude:         DefaultExclude(),
	}
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Profiler: DefaultProfiler(),
		Artifacts: Artifacts{
			Type: defaultArtifactsType,
			Dir:  DefaultArtifactDir,
		},
		Telemetry: Telemetry{ExportIntervalSeconds: DefaultExportInterval},
	}
}

// ValidationError represents a configuration validation error.
// Err optionally carries a sentinel so callers can match with errors.Is.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// LookupFunc resolves an environment key. It has the shape of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load resolves the effective configuration for basePath: defaults, then
// .memwatch/config.yaml, then .memwatch/.env, then lookup (normally
// os.LookupEnv). The result is validated.
func Load(basePath string, lookup LookupFunc) (*Config, error) {
	cfg, err := LoadConfig(basePath)
	if err != nil {
		return nil, err
	}

	fileEnv, err := LoadEnvFile(basePath)
	if err != nil {
		return nil, err
	}

	merged := func(key string) (string, bool) {
		if lookup != nil {
			if v, ok := lookup(key); ok {
				return v, true
			}
		}
		v, ok := fileEnv[key]
		return v, ok
	}

	if err := ApplyEnv(cfg, merged); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses .memwatch/config.yaml from the given base path.
// If the file doesn't exist, returns default config. Missing fields keep
// their defaults. The result is not validated; Load does that once all
// sources have been applied.
func LoadConfig(basePath string) (*Config, error) {
	configPath := filepath.Join(basePath, configDirName, configFileName)

	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadEnvFile parses .memwatch/.env into a map of key-value pairs.
// A missing file yields an empty map.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, configDirName, envFileName)

	env, err := godotenv.Read(envPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return env, nil
}

// ApplyEnv overlays environment values onto cfg. When the resolved profiler
// enable flag is false the other profiler keys are not parsed at all, so a
// disabled sampler never reports errors about its settings.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	p := envParser{lookup: lookup}

	p.str(EnvLogLevel, &cfg.LogLevel)
	p.boolean(EnvProfilerEnabled, &cfg.Profiler.Enabled)

	if cfg.Profiler.Enabled {
		p.float(EnvIntervalSeconds, &cfg.Profiler.IntervalSeconds)
		p.integer(EnvTopN, &cfg.Profiler.TopN)
		p.float(EnvMinKB, &cfg.Profiler.MinKB)
		p.integer(EnvFrameLimit, &cfg.Profiler.FrameLimit)
		p.boolean(EnvLogEnabled, &cfg.Profiler.LogEnabled)
		p.boolean(EnvSnapshotEnabled, &cfg.Profiler.SnapshotEnabled)
		p.integer(EnvLogEveryN, &cfg.Profiler.LogEveryN)
		p.integer(EnvSnapshotEveryN, &cfg.Profiler.SnapshotEveryN)
		p.list(EnvInclude, &cfg.Profiler.Include)
		p.list(EnvExclude, &cfg.Profiler.Exclude)
	}

	p.str(EnvArtifactType, &cfg.Artifacts.Type)
	p.str(EnvArtifactDir, &cfg.Artifacts.Dir)
	p.str(EnvArtifactBucket, &cfg.Artifacts.S3Bucket)
	p.str(EnvArtifactRegion, &cfg.Artifacts.S3Region)
	p.str(EnvArtifactEndpoint, &cfg.Artifacts.S3Endpoint)
	p.str(EnvArtifactPrefix, &cfg.Artifacts.S3Prefix)

	if v, ok := lookup(EnvServerListen); ok && strings.TrimSpace(v) != "" {
		if cfg.Server == nil {
			cfg.Server = &ServerConfig{}
		}
		cfg.Server.Listen = strings.TrimSpace(v)
	}
	if cfg.Server != nil {
		p.str(EnvServerPassword, &cfg.Server.PasswordHash)
	}

	p.str(EnvOTLPEndpoint, &cfg.Telemetry.OTLPEndpoint)
	p.boolean(EnvOTLPInsecure, &cfg.Telemetry.Insecure)
	p.float(EnvOTLPInterval, &cfg.Telemetry.ExportIntervalSeconds)

	return p.err
}

// envParser records the first parse failure and skips the remaining keys.
type envParser struct {
	lookup LookupFunc
	err    error
}

func (p *envParser) value(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (p *envParser) fail(key, raw, kind string) {
	p.err = ValidationError{Field: key, Message: fmt.Sprintf("%q is not a valid %s", raw, kind)}
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := p.value(key); ok && v != "" {
		*dst = v
	}
}

func (p *envParser) boolean(key string, dst *bool) {
	v, ok := p.value(key)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		*dst = true
		return
	case "no", "off":
		*dst = false
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, "boolean")
		return
	}
	*dst = b
}

func (p *envParser) integer(key string, dst *int) {
	v, ok := p.value(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, "integer")
		return
	}
	*dst = n
}

func (p *envParser) float(key string, dst *float64) {
	v, ok := p.value(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, "number")
		return
	}
	*dst = f
}

// list parses a comma-separated value. A present but empty value clears the
// list, which is how the default exclude patterns are switched off.
func (p *envParser) list(key string, dst *[]string) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	*dst = SplitList(v)
}

// SplitList splits a comma-separated pattern list, trimming blanks.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, listSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidateConfig checks that all config values are valid. The profiler
// interval is left to sampler.Start, which also sees the runtime override.
func ValidateConfig(cfg *Config) error {
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return ValidationError{Field: "log_level", Message: err.Error()}
	}

	if cfg.Profiler.Enabled {
		if err := ValidateProfiler(&cfg.Profiler); err != nil {
			return err
		}
	}

	if err := ValidateArtifacts(&cfg.Artifacts); err != nil {
		return err
	}

	if cfg.Server != nil {
		if strings.TrimSpace(cfg.Server.Listen) == "" {
			return ValidationError{Field: "server.listen", Message: "required field is empty"}
		}
		if cfg.Server.PasswordHash != "" {
			if err := auth.ValidateHash(cfg.Server.PasswordHash); err != nil {
				return ValidationError{Field: "server.password_hash", Message: err.Error(), Err: err}
			}
		}
	}

	if cfg.Telemetry.OTLPEndpoint != "" && cfg.Telemetry.ExportIntervalSeconds <= 0 {
		return ValidationError{Field: "telemetry.export_interval_seconds", Message: "must be positive"}
	}

	return nil
}

// ValidateProfiler checks sampler settings other than the interval.
func ValidateProfiler(p *Profiler) error {
	if p.TopN <= 0 {
		return ValidationError{Field: "profiler.top_n", Message: "must be positive"}
	}
	if p.MinKB < 0 {
		return ValidationError{Field: "profiler.min_kb", Message: "must not be negative"}
	}
	if p.FrameLimit <= 0 {
		return ValidationError{Field: "profiler.frame_limit", Message: "must be positive"}
	}
	if p.LogEveryN <= 0 {
		return ValidationError{Field: "profiler.log_every_n", Message: "must be positive"}
	}
	if p.SnapshotEveryN <= 0 {
		return ValidationError{Field: "profiler.snapshot_every_n", Message: "must be positive"}
	}
	return nil
}

// ValidateArtifacts checks the artifact storage settings.
func ValidateArtifacts(a *Artifacts) error {
	switch a.Type {
	case ArtifactTypeFS:
		if a.Dir == "" {
			return ValidationError{Field: "artifacts.dir", Message: "required for fs storage"}
		}
	case ArtifactTypeS3:
		if a.S3Bucket == "" {
			return ValidationError{Field: "artifacts.s3_bucket", Message: "required for s3 storage"}
		}
	default:
		return ValidationError{Field: "artifacts.type", Message: fmt.Sprintf("unsupported storage type %q", a.Type)}
	}
	return nil
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
