package config

import (
	"fmt"
	"log/slog"
	"os"

	"dreambooth-backend/internal/buckets"
	"dreambooth-backend/internal/dataset"
	"dreambooth-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	DataBackend      string `env:"DATA_BACKEND" envDefault:"local"`
	InstanceDataRoot string `env:"INSTANCE_DATA_ROOT"`
	InstancePrompt   string `env:"INSTANCE_PROMPT"`

	TokenizerPath      string `env:"TOKENIZER_PATH"`
	TokenizerMaxLength int    `env:"TOKENIZER_MAX_LENGTH" envDefault:"77"`
	TokenizerPadID     uint32 `env:"TOKENIZER_PAD_ID" envDefault:"0"`

	AspectRatioBuckets []float64 `env:"ASPECT_RATIO_BUCKETS" envSeparator:","`
	BucketsFile        string    `env:"BUCKETS_FILE"`

	Resolution            int   `env:"RESOLUTION" envDefault:"768"`
	CenterCrop            bool  `env:"CENTER_CROP" envDefault:"false"`
	UseCaptions           bool  `env:"USE_CAPTIONS" envDefault:"true"`
	PrependInstancePrompt bool  `env:"PREPEND_INSTANCE_PROMPT" envDefault:"false"`
	UseOriginalImages     bool  `env:"USE_ORIGINAL_IMAGES" envDefault:"false"`
	PrintNames            bool  `env:"PRINT_NAMES" envDefault:"false"`
	Workers               int   `env:"WORKERS" envDefault:"4"`
	Seed                  int64 `env:"SEED" envDefault:"0"`

	AssetPolicy     string `env:"ASSET_POLICY" envDefault:"abort"`
	TraversalPolicy string `env:"TRAVERSAL_POLICY" envDefault:"skip"`

	ManifestDB string `env:"MANIFEST_DB"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Bucket          string `env:"S3_BUCKET"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	backendType     string
	assetPolicy     buckets.AssetPolicy
	traversalPolicy storage.TraversalPolicy
	logLevel        slog.Level
}

type bucketFile struct {
	Buckets []float64 `yaml:"buckets"`
}

// Load parses the configuration from the process environment. When envFile is
// set its variables are used as defaults; variables already present in the
// environment win.
func Load(envFile string) (*Config, error) {
	environment := map[string]string{}
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("%w: error loading env file '%s': %w", storage.ErrConfiguration, envFile, err)
		}
		environment = fileEnv
	}
	for k, v := range env.ToMap(os.Environ()) {
		environment[k] = v
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("%w: error parsing config: %w", storage.ErrConfiguration, err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolve() error {
	backendType, err := storage.ToBackendType(c.DataBackend)
	if err != nil {
		return err
	}
	c.backendType = string(backendType)

	if c.assetPolicy, err = buckets.ParseAssetPolicy(c.AssetPolicy); err != nil {
		return err
	}
	if c.traversalPolicy, err = storage.ParseTraversalPolicy(c.TraversalPolicy); err != nil {
		return err
	}
	if err := c.logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: invalid LOG_LEVEL %q", storage.ErrConfiguration, c.LogLevel)
	}

	if c.BucketsFile != "" {
		if len(c.AspectRatioBuckets) > 0 {
			return fmt.Errorf("%w: ASPECT_RATIO_BUCKETS and BUCKETS_FILE are mutually exclusive", storage.ErrConfiguration)
		}
		if c.AspectRatioBuckets, err = loadBucketFile(c.BucketsFile); err != nil {
			return err
		}
	}
	if len(c.AspectRatioBuckets) == 0 {
		c.AspectRatioBuckets = buckets.DefaultBuckets
	}
	if err := buckets.ValidateBuckets(c.AspectRatioBuckets); err != nil {
		return err
	}

	if backendType == storage.S3BackendType && c.S3Bucket == "" {
		return fmt.Errorf("%w: S3_BUCKET is required for the s3 data backend", storage.ErrConfiguration)
	}
	if c.S3EndpointURL != "" && (c.S3AccessKeyID == "" || c.S3SecretAccessKey == "") {
		slog.Warn("S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing")
	}
	return nil
}

func loadBucketFile(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading buckets file: %w", storage.ErrConfiguration, err)
	}
	var file bucketFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("%w: error parsing buckets file %s: %w", storage.ErrConfiguration, path, err)
	}
	return file.Buckets, nil
}

func (c *Config) BackendType() string {
	return c.backendType
}

func (c *Config) TraversalPolicyValue() storage.TraversalPolicy {
	return c.traversalPolicy
}

func (c *Config) Level() slog.Level {
	return c.logLevel
}

func (c *Config) S3Config() storage.S3Config {
	return storage.S3Config{
		Endpoint:        c.S3EndpointURL,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
		Bucket:          c.S3Bucket,
	}
}

func (c *Config) DatasetOptions() dataset.Options {
	return dataset.Options{
		Root:              c.InstanceDataRoot,
		InstancePrompt:    c.InstancePrompt,
		Buckets:           c.AspectRatioBuckets,
		Resolution:        c.Resolution,
		CenterCrop:        c.CenterCrop,
		UseCaptions:       c.UseCaptions,
		Prepend:           c.PrependInstancePrompt,
		UseOriginalImages: c.UseOriginalImages,
		PrintNames:        c.PrintNames,
		AssetPolicy:       c.assetPolicy,
		Workers:           c.Workers,
		Seed:              c.Seed,
	}
}
