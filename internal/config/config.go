// Package config defines syscared's on-disk daemon configuration.
// Grounded on the teacher's cmd/containerd/server/config (TOML-backed
// Config struct with a LoadConfig helper and a version field) and the
// original's daemon bootstrap, which reads equivalent data_dir/
// log_level/injector settings from a single config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ConfigVersion is bumped whenever a breaking change is made to the
// on-disk schema.
const ConfigVersion = 1

const (
	DefaultDataDir         = "/usr/lib/syscare"
	DefaultLogLevel        = "info"
	DefaultInjectorLibrary = "/usr/lib64/libupatch.so"
	DefaultDriverTimeout   = 30 * time.Second
)

// Config is syscared's daemon configuration, loaded from
// /etc/syscare/syscared.toml by default.
type Config struct {
	Version int `toml:"version"`

	// DataDir holds the "patches" subdirectory and the patch_status
	// file (abi.Patch roots scanned by internal/patch/store).
	DataDir string `toml:"data_dir"`

	// LogLevel is parsed with logrus.ParseLevel, matching the
	// teacher's use of a plain string log-level field.
	LogLevel string `toml:"log_level"`

	// InjectorLibrary records the path to libupatch.so. It is
	// informational: the cgo-backed upatch injector is linked against
	// libupatch at build time (-lupatch) and does not read this path.
	InjectorLibrary string `toml:"injector_library"`

	// DriverTimeout is loaded and dumped with the rest of the config.
	// No driver call applies it: insmod/rmmod invocations and injector
	// calls run until they return.
	DriverTimeout time.Duration `toml:"driver_timeout"`

	// AcceptedOnlyRestore restricts startup restore to patches saved
	// as Accepted, skipping merely-Actived ones left over from a
	// crashed prior run.
	AcceptedOnlyRestore bool `toml:"accepted_only_restore"`
}

// Default returns the configuration syscared starts from before any
// on-disk file is merged in.
func Default() *Config {
	return &Config{
		Version:             ConfigVersion,
		DataDir:             DefaultDataDir,
		LogLevel:            DefaultLogLevel,
		InjectorLibrary:     DefaultInjectorLibrary,
		DriverTimeout:       DefaultDriverTimeout,
		AcceptedOnlyRestore: false,
	}
}

// Load merges the TOML document at path into cfg. A missing file is
// not an error — Load leaves cfg at its current (caller-supplied)
// defaults, matching the teacher's LoadConfig tolerance for an absent
// config file.
func Load(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return nil
}

// Dump encodes cfg as TOML.
func Dump(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
