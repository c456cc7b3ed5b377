// Package config loads the engine configuration file.
//
// The file is read once at process setup. The resulting values are handed
// explicitly to the kernel registry and to kernels that split work across
// goroutines; no package keeps them in global state.
package config

import (
	"os"
	"runtime"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/parallel"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML file layout.
type Config struct {
	Acceleration Acceleration `yaml:"acceleration"`
	Parallel     Parallel     `yaml:"parallel"`
	Logging      Logging      `yaml:"logging"`
}

// Acceleration selects which accelerated backends may serve calls.
type Acceleration struct {
	Enabled  bool     `yaml:"enabled"`
	Backends []string `yaml:"backends"`
}

// Parallel controls intra-kernel data parallelism.
type Parallel struct {
	Enabled bool `yaml:"enabled"`
	// Workers is the goroutine limit. 0 means runtime.NumCPU().
	Workers  int `yaml:"workers"`
	MinChunk int `yaml:"min_chunk"`
}

// Logging holds klog settings.
type Logging struct {
	Verbosity int `yaml:"verbosity"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Acceleration: Acceleration{
			Enabled:  true,
			Backends: []string{kernel.BackendWebGPU.String(), kernel.BackendBLAS.String()},
		},
		Parallel: Parallel{
			Enabled:  true,
			MinChunk: 64,
		},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytesReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !isEOF(err) {
		return nil, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and backend names.
func (c *Config) Validate() error {
	for _, name := range c.Acceleration.Backends {
		b, err := kernel.ParseBackend(name)
		if err != nil {
			return errors.Wrap(err, "acceleration.backends")
		}
		if b == kernel.BackendReference || b == kernel.BackendAny {
			return errors.Errorf("acceleration.backends: %q is not an accelerated backend", name)
		}
	}
	if c.Parallel.Workers < 0 {
		return errors.Errorf("parallel.workers must be >= 0, got %d", c.Parallel.Workers)
	}
	if c.Parallel.MinChunk < 0 {
		return errors.Errorf("parallel.min_chunk must be >= 0, got %d", c.Parallel.MinChunk)
	}
	if c.Logging.Verbosity < 0 {
		return errors.Errorf("logging.verbosity must be >= 0, got %d", c.Logging.Verbosity)
	}
	return nil
}

// KernelConfig converts the acceleration section for kernel.NewRegistry.
// Call Validate first; unknown names are skipped.
func (c *Config) KernelConfig() kernel.Config {
	out := kernel.Config{Enabled: c.Acceleration.Enabled}
	for _, name := range c.Acceleration.Backends {
		if b, err := kernel.ParseBackend(name); err == nil {
			out.Backends = append(out.Backends, b)
		}
	}
	return out
}

// ParallelConfig converts the parallel section.
func (c *Config) ParallelConfig() parallel.Config {
	workers := c.Parallel.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return parallel.Config{
		Enabled:      c.Parallel.Enabled && workers > 1,
		NumWorkers:   workers,
		MinChunkSize: c.Parallel.MinChunk,
	}
}
