// Package config loads depbench settings from TOML or YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/weiihann/depbench/harness"
	"github.com/weiihann/depbench/loc"
	"github.com/weiihann/depbench/procmon"
	"github.com/weiihann/depbench/vcs"
)

// Backend names.
const (
	CloneGoGit = "go-git"
	CloneGit   = "git"

	LoCCloc    = "cloc"
	LoCBuiltin = "builtin"
)

// MaxTimeoutSeconds bounds the per-tool timeout.
const MaxTimeoutSeconds = 3600

// Config holds all application configuration.
type Config struct {
	Paths   PathsConfig   `toml:"paths" yaml:"paths"`
	Sampler SamplerConfig `toml:"sampler" yaml:"sampler"`
	Clone   CloneConfig   `toml:"clone" yaml:"clone"`
	LoC     LoCConfig     `toml:"loc" yaml:"loc"`
	Tools   ToolsConfig   `toml:"tools" yaml:"tools"`
	Journal JournalConfig `toml:"journal" yaml:"journal"`
}

// PathsConfig locates the working tree. Relative directories are resolved
// against Root.
type PathsConfig struct {
	Root       string `toml:"root" yaml:"root"`
	RepoDir    string `toml:"repo_dir" yaml:"repo_dir"`
	OutDir     string `toml:"out_dir" yaml:"out_dir"`
	ToolsDir   string `toml:"tools_dir" yaml:"tools_dir"`
	ListsDir   string `toml:"lists_dir" yaml:"lists_dir"`
	RecordsDir string `toml:"records_dir" yaml:"records_dir"`
	LogsDir    string `toml:"logs_dir" yaml:"logs_dir"`
}

// SamplerConfig holds memory sampling settings.
type SamplerConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	IntervalMs int    `toml:"interval_ms" yaml:"interval_ms"`
	CeilingMiB uint64 `toml:"ceiling_mib" yaml:"ceiling_mib"`
}

// CloneConfig holds repository cloning settings.
type CloneConfig struct {
	Backend         string `toml:"backend" yaml:"backend"`
	GitBinary       string `toml:"git_binary" yaml:"git_binary"`
	Retries         int    `toml:"retries" yaml:"retries"`
	CooldownSeconds int    `toml:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// LoCConfig holds line counting settings.
type LoCConfig struct {
	Backend        string `toml:"backend" yaml:"backend"`
	ClocBinary     string `toml:"cloc_binary" yaml:"cloc_binary"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// ToolsConfig locates the benchmarked tools. Jar paths are relative to
// Paths.ToolsDir unless absolute.
type ToolsConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Java           string `toml:"java" yaml:"java"`
	Understand     string `toml:"understand" yaml:"understand"`
	SourceTrail    string `toml:"sourcetrail" yaml:"sourcetrail"`
	DependsJar     string `toml:"depends_jar" yaml:"depends_jar"`
	ENREJavaJar    string `toml:"enre_java_jar" yaml:"enre_java_jar"`
	ENRECppJar     string `toml:"enre_cpp_jar" yaml:"enre_cpp_jar"`
	ENREDir        string `toml:"enre_dir" yaml:"enre_dir"`
}

// JournalConfig enables the invocation journal when Path is set.
type JournalConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:       ".",
			RepoDir:    "repo",
			OutDir:     "out",
			ToolsDir:   "tools",
			ListsDir:   "lists",
			RecordsDir: "records",
			LogsDir:    "logs",
		},
		Sampler: SamplerConfig{
			Enabled:    true,
			IntervalMs: int(procmon.DefaultInterval / time.Millisecond),
			CeilingMiB: procmon.DefaultCeiling >> 20,
		},
		Clone: CloneConfig{
			Backend:         CloneGoGit,
			GitBinary:       "git",
			Retries:         3,
			CooldownSeconds: 120,
		},
		LoC: LoCConfig{
			Backend:        LoCCloc,
			ClocBinary:     "cloc",
			TimeoutSeconds: 180,
		},
		Tools: ToolsConfig{
			Java:        "java",
			Understand:  "und",
			SourceTrail: "sourcetrail",
			DependsJar:  "depends.jar",
			ENREJavaJar: filepath.Join("enre", "enre-java.jar"),
			ENRECppJar:  filepath.Join("enre", "enre-cpp.jar"),
			ENREDir:     "enre",
		},
	}
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist. Files ending in .yaml or .yml are parsed as YAML,
// anything else as TOML.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Paths.Root,
		&c.Paths.RepoDir,
		&c.Paths.OutDir,
		&c.Paths.ToolsDir,
		&c.Paths.ListsDir,
		&c.Paths.RecordsDir,
		&c.Paths.LogsDir,
		&c.Journal.Path,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}

		*p = expanded
	}

	return nil
}

// Validate rejects unknown backends and out of range values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Clone.Backend {
	case CloneGoGit, CloneGit:
	default:
		errs = append(errs, fmt.Errorf("clone.backend %q is not one of %s, %s",
			c.Clone.Backend, CloneGoGit, CloneGit))
	}

	switch c.LoC.Backend {
	case LoCCloc, LoCBuiltin:
	default:
		errs = append(errs, fmt.Errorf("loc.backend %q is not one of %s, %s",
			c.LoC.Backend, LoCCloc, LoCBuiltin))
	}

	if c.Clone.Retries < 0 {
		errs = append(errs, fmt.Errorf("clone.retries must not be negative"))
	}
	if c.Clone.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("clone.cooldown_seconds must not be negative"))
	}
	if c.LoC.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("loc.timeout_seconds must not be negative"))
	}
	if c.Sampler.Enabled && c.Sampler.IntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("sampler.interval_ms must be positive"))
	}
	if err := ValidateTimeout(c.Tools.TimeoutSeconds); err != nil {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds: %w", err))
	}

	return errors.Join(errs...)
}

// ValidateTimeout checks a per-tool timeout in seconds; 0 disables it.
func ValidateTimeout(seconds int) error {
	if seconds < 0 || seconds > MaxTimeoutSeconds {
		return fmt.Errorf("invalid timeout value %d, only 0..%d is valid", seconds, MaxTimeoutSeconds)
	}

	return nil
}

// Resolve joins a relative directory onto Paths.Root.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(c.Paths.Root, p)
}

// Layout returns the filesystem layout for tool commands.
func (c *Config) Layout() harness.Layout {
	return harness.Layout{
		RepoDir:     c.Resolve(c.Paths.RepoDir),
		OutDir:      c.Resolve(c.Paths.OutDir),
		ToolsDir:    c.Resolve(c.Paths.ToolsDir),
		Java:        c.Tools.Java,
		Understand:  c.Tools.Understand,
		SourceTrail: c.Tools.SourceTrail,
		DependsJar:  c.Tools.DependsJar,
		ENREJavaJar: c.Tools.ENREJavaJar,
		ENRECppJar:  c.Tools.ENRECppJar,
		ENREDir:     c.Tools.ENREDir,
	}
}

// ProcessSampler returns the sampler settings. A disabled sampler has no
// reader and reports peaks as unavailable.
func (c *Config) ProcessSampler(logger *slog.Logger) procmon.SamplerConfig {
	cfg := procmon.SamplerConfig{
		Interval: time.Duration(c.Sampler.IntervalMs) * time.Millisecond,
		Ceiling:  c.Sampler.CeilingMiB << 20,
		Killer:   procmon.ProcessTree{},
		Logger:   logger,
	}

	if c.Sampler.Enabled {
		cfg.Reader = procmon.ProcessTree{}
	}

	return cfg
}

// Cloner returns the configured clone backend. Clone progress goes to out.
func (c *Config) Cloner(out io.Writer) vcs.Cloner {
	if c.Clone.Backend == CloneGit {
		return vcs.GitCLI{Binary: c.Clone.GitBinary, Output: out}
	}

	return vcs.GoGit{Progress: out}
}

// Counter returns the configured line counter.
func (c *Config) Counter() loc.Counter {
	if c.LoC.Backend == LoCBuiltin {
		return loc.Builtin{}
	}

	return loc.Cloc{Binary: c.LoC.ClocBinary}
}

// CloneCooldown is the wait between clone attempts.
func (c *Config) CloneCooldown() time.Duration {
	return time.Duration(c.Clone.CooldownSeconds) * time.Second
}

// LoCTimeout bounds line counting during full runs.
func (c *Config) LoCTimeout() time.Duration {
	return time.Duration(c.LoC.TimeoutSeconds) * time.Second
}
