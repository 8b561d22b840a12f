// Package config loads the coordinator configuration from an optional HCL
// file and the environment.
//
// A configuration file looks like:
//
//	listen_addr     = ":3001"
//	model_dir       = "${env.HOME}/fedcoord"
//	persistence     = "disk"
//	persist_timeout = "5s"
//	init_seed       = 42
//	recover_corrupt = false
//	max_body_bytes  = 33554432
//
// Every attribute is optional. Environment variables are available to
// expressions as env.NAME. After the file is decoded, COORDINATOR_ADDR,
// PORT, MODEL_DIR and PERSISTENCE override the corresponding settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// Persistence modes.
const (
	PersistenceDisk   = "disk"
	PersistenceMemory = "memory"
)

// Config is the resolved coordinator configuration.
type Config struct {
	ListenAddr     string
	ModelDir       string
	Persistence    string
	PersistTimeout time.Duration
	InitSeed       uint64
	MaxBodyBytes   int64
	RecoverCorrupt bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:     ":3001",
		ModelDir:       "./model-store",
		Persistence:    PersistenceDisk,
		PersistTimeout: 5 * time.Second,
		InitSeed:       42,
		MaxBodyBytes:   32 << 20,
	}
}

// fileConfig mirrors the HCL attributes; nil means unset.
type fileConfig struct {
	ListenAddr     *string `hcl:"listen_addr,optional"`
	ModelDir       *string `hcl:"model_dir,optional"`
	Persistence    *string `hcl:"persistence,optional"`
	PersistTimeout *string `hcl:"persist_timeout,optional"`
	InitSeed       *int64  `hcl:"init_seed,optional"`
	RecoverCorrupt *bool   `hcl:"recover_corrupt,optional"`
	MaxBodyBytes   *int64  `hcl:"max_body_bytes,optional"`
}

// Load reads the file at path, if path is not empty, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	environ := os.Environ()
	if path == "" {
		cfg := Default()
		applyEnv(&cfg, environ)
		return cfg, cfg.Validate()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(src, path, environ)
}

// Parse decodes HCL source. environ is a list of KEY=value pairs, as
// returned by os.Environ, used both for env.NAME references and overrides.
func Parse(src []byte, filename string, environ []string) (Config, error) {
	cfg := Default()

	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	var fc fileConfig
	diags = gohcl.DecodeBody(file.Body, evalContext(environ), &fc)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", filename, diags)
	}
	if err := fc.apply(&cfg); err != nil {
		return Config{}, errors.WithMessagef(err, "config %s", filename)
	}

	applyEnv(&cfg, environ)
	return cfg, cfg.Validate()
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.ListenAddr != nil {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.ModelDir != nil {
		cfg.ModelDir = *fc.ModelDir
	}
	if fc.Persistence != nil {
		cfg.Persistence = *fc.Persistence
	}
	if fc.PersistTimeout != nil {
		d, err := time.ParseDuration(*fc.PersistTimeout)
		if err != nil {
			return errors.Wrap(err, "persist_timeout")
		}
		cfg.PersistTimeout = d
	}
	if fc.InitSeed != nil {
		if *fc.InitSeed < 0 {
			return fmt.Errorf("init_seed must not be negative, got %d", *fc.InitSeed)
		}
		cfg.InitSeed = uint64(*fc.InitSeed)
	}
	if fc.RecoverCorrupt != nil {
		cfg.RecoverCorrupt = *fc.RecoverCorrupt
	}
	if fc.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *fc.MaxBodyBytes
	}
	return nil
}

// evalContext exposes the environment as the env object.
func evalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for k, v := range envMap(environ) {
		if hclsyntax.ValidIdentifier(k) {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// applyEnv applies the environment overrides. COORDINATOR_ADDR wins over
// PORT.
func applyEnv(cfg *Config, environ []string) {
	env := envMap(environ)
	if v := env["PORT"]; v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := env["COORDINATOR_ADDR"]; v != "" {
		cfg.ListenAddr = v
	}
	if v := env["MODEL_DIR"]; v != "" {
		cfg.ModelDir = v
	}
	if v := env["PERSISTENCE"]; v != "" {
		cfg.Persistence = v
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen_addr must not be empty")
	case c.Persistence != PersistenceDisk && c.Persistence != PersistenceMemory:
		return fmt.Errorf("persistence must be %q or %q, got %q", PersistenceDisk, PersistenceMemory, c.Persistence)
	case c.Persistence == PersistenceDisk && c.ModelDir == "":
		return errors.New("model_dir must not be empty with disk persistence")
	case c.PersistTimeout <= 0:
		return fmt.Errorf("persist_timeout must be positive, got %s", c.PersistTimeout)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	return nil
}
