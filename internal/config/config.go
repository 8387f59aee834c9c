// Package config loads ptxstage settings from built-in defaults, a YAML file,
// a .env file and the process environment, in that order of precedence.
// Command-line flags are layered on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/phobologic/ptxstage/internal/compiler"
	"github.com/phobologic/ptxstage/internal/diagnose"
	"github.com/phobologic/ptxstage/internal/publish"
)

const (
	// FileName is the config file looked up in the project directory.
	FileName = "ptxstage.yaml"
	// EnvFile is the dotenv file looked up in the project directory.
	EnvFile = ".env"
	// EnvPrefix prefixes every environment variable the loader reads.
	EnvPrefix = "PTXSTAGE_"
)

// ErrInvalid is wrapped by every error caused by a bad setting.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	BaseDir          string   `yaml:"base_dir"`
	Extensions       []string `yaml:"extensions"`
	OutputDir        string   `yaml:"output_dir"`
	PreservePath     bool     `yaml:"preserve_path"`
	Compiler         string   `yaml:"compiler"`
	CompilerArgs     []string `yaml:"compiler_args"`
	Mode             string   `yaml:"mode"`
	DiagnosticFormat string   `yaml:"diagnostic_format"`
	IncludeDirs      []string `yaml:"include_dirs"`
	Jobs             int      `yaml:"jobs"`
	StateFile        string   `yaml:"state_file"`
	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`
	Publish          Publish  `yaml:"publish"`
}

// Publish configures uploading artifacts to an S3-compatible bucket.
// Leaving endpoint and bucket empty disables publishing.
type Publish struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func (p Publish) Enabled() bool {
	return p.Endpoint != "" || p.Bucket != ""
}

func (p Publish) S3Config() publish.S3Config {
	return publish.S3Config{
		Endpoint:  p.Endpoint,
		Region:    p.Region,
		AccessKey: p.AccessKey,
		SecretKey: p.SecretKey,
		Bucket:    p.Bucket,
		UseSSL:    p.UseSSL,
	}
}

func Default() Config {
	return Config{
		BaseDir:          filepath.Join("src", "main", "cuda"),
		Extensions:       []string{"cu"},
		OutputDir:        filepath.Join("target", "classes"),
		PreservePath:     true,
		Compiler:         "nvcc",
		Mode:             string(compiler.PTX),
		DiagnosticFormat: diagnose.Default,
		Jobs:             1,
		StateFile:        ".ptxstage-state.json",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load builds the configuration for projectDir. configPath overrides the
// default config file location; an explicitly named file must exist, the
// default one may be absent. environ is in os.Environ form and wins over
// values from the project's .env file.
func Load(projectDir, configPath string, environ []string) (Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(projectDir, FileName)
	} else if !filepath.IsAbs(configPath) {
		configPath = filepath.Join(projectDir, configPath)
	}
	if err := cfg.loadFile(configPath, explicit); err != nil {
		return cfg, err
	}

	env, err := readEnv(filepath.Join(projectDir, EnvFile), environ)
	if err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// readEnv returns the PTXSTAGE_ variables from the dotenv file at path,
// overridden by those in environ.
func readEnv(path string, environ []string) (map[string]string, error) {
	env := make(map[string]string)

	dotenv, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	for k, v := range dotenv {
		if strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

func (c *Config) applyEnv(env map[string]string) error {
	str := func(name string, dst *string) {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = SplitList(v)
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := env[EnvPrefix+name]
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, EnvPrefix, name, v)
		}
		*dst = b
		return nil
	}

	str("BASE_DIR", &c.BaseDir)
	list("EXTENSIONS", &c.Extensions)
	str("OUTPUT_DIR", &c.OutputDir)
	if err := boolean("PRESERVE_PATH", &c.PreservePath); err != nil {
		return err
	}
	str("COMPILER", &c.Compiler)
	if v, ok := env[EnvPrefix+"COMPILER_ARGS"]; ok {
		c.CompilerArgs = strings.Fields(v)
	}
	str("MODE", &c.Mode)
	str("DIAGNOSTIC_FORMAT", &c.DiagnosticFormat)
	list("INCLUDE_DIRS", &c.IncludeDirs)
	if v, ok := env[EnvPrefix+"JOBS"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %sJOBS=%q is not a number", ErrInvalid, EnvPrefix, v)
		}
		c.Jobs = n
	}
	str("STATE_FILE", &c.StateFile)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	str("PUBLISH_ENDPOINT", &c.Publish.Endpoint)
	str("PUBLISH_REGION", &c.Publish.Region)
	str("PUBLISH_ACCESS_KEY", &c.Publish.AccessKey)
	str("PUBLISH_SECRET_KEY", &c.Publish.SecretKey)
	str("PUBLISH_BUCKET", &c.Publish.Bucket)
	str("PUBLISH_PREFIX", &c.Publish.Prefix)
	return boolean("PUBLISH_USE_SSL", &c.Publish.UseSSL)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Resolve makes every relative path absolute against projectDir.
func (c *Config) Resolve(projectDir string) error {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project directory: %w", err)
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	c.BaseDir = abs(c.BaseDir)
	c.OutputDir = abs(c.OutputDir)
	c.StateFile = abs(c.StateFile)
	for i, dir := range c.IncludeDirs {
		c.IncludeDirs[i] = abs(dir)
	}
	return nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if len(SplitList(strings.Join(c.Extensions, ","))) == 0 {
		return fmt.Errorf("%w: at least one extension is required", ErrInvalid)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("%w: base_dir is required", ErrInvalid)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Compiler) == "" {
		return fmt.Errorf("%w: compiler is required", ErrInvalid)
	}
	if _, err := compiler.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := diagnose.Lookup(c.DiagnosticFormat); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("%w: jobs must be at least 1, got %d", ErrInvalid, c.Jobs)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q (want text or json)", ErrInvalid, c.LogFormat)
	}
	if p := c.Publish; p.Enabled() {
		var missing []string
		for _, f := range []struct{ name, value string }{
			{"endpoint", p.Endpoint},
			{"bucket", p.Bucket},
			{"access_key", p.AccessKey},
			{"secret_key", p.SecretKey},
		} {
			if strings.TrimSpace(f.value) == "" {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: publish section is missing %s", ErrInvalid, strings.Join(missing, ", "))
		}
	}
	return nil
}

// NewLogger builds a logger writing to w with the configured level and format.
func (c *Config) NewLogger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return log, nil
}
