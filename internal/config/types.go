package config

// Config represents the .memwatch/config.yaml file after environment
// overrides have been applied.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	Profiler  Profiler      `yaml:"profiler"`
	Artifacts Artifacts     `yaml:"artifacts"`
	Server    *ServerConfig `yaml:"server,omitempty"`
	Telemetry Telemetry     `yaml:"telemetry"`
}

// Profiler controls the background heap sampler.
type Profiler struct {
	Enabled         bool     `yaml:"enabled"`
	IntervalSeconds float64  `yaml:"interval_seconds"`
	TopN            int      `yaml:"top_n"`
	MinKB           float64  `yaml:"min_kb"`
	FrameLimit      int      `yaml:"frame_limit"`
	LogEnabled      bool     `yaml:"log_enabled"`
	SnapshotEnabled bool     `yaml:"snapshot_enabled"`
	LogEveryN       int      `yaml:"log_every_n"`
	SnapshotEveryN  int      `yaml:"snapshot_every_n"`
	Include         []string `yaml:"include"`
	Exclude         []string `yaml:"exclude"`
}

// Artifacts selects where captured heap profiles are stored.
type Artifacts struct {
	Type       string `yaml:"type"`
	Dir        string `yaml:"dir,omitempty"`
	S3Bucket   string `yaml:"s3_bucket,omitempty"`
	S3Region   string `yaml:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint,omitempty"`
	S3Prefix   string `yaml:"s3_prefix,omitempty"`
}

// ServerConfig holds diagnostics server settings.
type ServerConfig struct {
	Listen       string `yaml:"listen"`
	PasswordHash string `yaml:"password_hash,omitempty"` // argon2id, from "memwatch hash-password"
}

// Telemetry configures OTLP metric export. An empty endpoint keeps the
// sampler counters local.
type Telemetry struct {
	OTLPEndpoint          string  `yaml:"otlp_endpoint,omitempty"` // host:port of an OTLP/gRPC collector
	Insecure              bool    `yaml:"insecure"`
	ExportIntervalSeconds float64 `yaml:"export_interval_seconds"`
}

// Artifact storage backends.
const (
	ArtifactTypeFS = "fs"
	ArtifactTypeS3 = "s3"
)
