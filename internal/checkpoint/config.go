package checkpoint

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config tunes Blob Store and Checkpoint Engine limits.
type Config struct {
	// MaxFileSize caps the bytes accepted by Store.Store. Zero means
	// unlimited.
	MaxFileSize int64 `toml:"max_file_size"`

	// IgnorePatterns lists glob patterns (matched against the
	// workspace-relative path) that snapshot_file_before_edit skips.
	IgnorePatterns []string `toml:"ignore_patterns"`
}

// DefaultConfig mirrors the grounding codebase's checkpoint defaults: a
// 10 MiB per-file cap and the usual VCS/build noise excluded from
// snapshotting.
func DefaultConfig() Config {
	return Config{
		MaxFileSize: 10 << 20,
		IgnorePatterns: []string{
			".git/**",
			"node_modules/**",
			"target/**",
			"dist/**",
			"*.lock",
		},
	}
}

// IsFileTooLarge reports whether size exceeds the configured limit.
func (c Config) IsFileTooLarge(size int64) bool {
	return c.MaxFileSize > 0 && size > c.MaxFileSize
}

// IsIgnored reports whether relPath matches any configured ignore pattern.
func (c Config) IsIgnored(relPath string) bool {
	for _, pat := range c.IgnorePatterns {
		if ok, _ := filepath.Match(pat, relPath); ok {
			return true
		}
		// filepath.Match does not support "**"; fall back to a prefix
		// check for directory-style globs ending in "/**".
		if trimmed, isDirGlob := trimDoubleStar(pat); isDirGlob {
			if relPath == trimmed || len(relPath) > len(trimmed) && relPath[:len(trimmed)] == trimmed {
				return true
			}
		}
	}
	return false
}

func trimDoubleStar(pat string) (string, bool) {
	const suffix = "/**"
	if len(pat) > len(suffix) && pat[len(pat)-len(suffix):] == suffix {
		return pat[:len(pat)-len(suffix)+1], true
	}
	return "", false
}

// LoadConfigFile reads a TOML-formatted checkpoint config file, applying
// DefaultConfig for any zero-valued field left unset.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var override Config
	if _, err := toml.Decode(string(data), &override); err != nil {
		return Config{}, err
	}
	if override.MaxFileSize > 0 {
		cfg.MaxFileSize = override.MaxFileSize
	}
	if len(override.IgnorePatterns) > 0 {
		cfg.IgnorePatterns = override.IgnorePatterns
	}
	return cfg, nil
}
