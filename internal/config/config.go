// Package config loads cmd/dump-syms and cmd/stackwalk's persistent
// settings from a YAML file, grounded directly on the teacher's
// pkg/config: the same create-if-missing config directory, the same
// LoadConfig/SaveConfig pair around gopkg.in/yaml.v2, and the same
// leading-comment-heavy default file written on first run.
package config

import (
	"fmt"
	"io"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".breakpadgo"
	configFile string = "config.yml"
)

// SubstitutePathRule rewrites a source path recorded in a symbol file's
// FILE records, so paths captured at compile time can be remapped to
// wherever the sources actually live at resolve time.
type SubstitutePathRule struct {
	From string
	To   string
}

// SubstitutePathRules is a slice of source-path substitution rules,
// applied in order; the first matching prefix wins.
type SubstitutePathRules []SubstitutePathRule

// Config holds every option cmd/dump-syms and cmd/stackwalk read from the
// config file rather than a command-line flag.
type Config struct {
	// SubstitutePath rewrites the source file paths cmd/dump-syms
	// ingests, before it writes the symbol file out.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// UncoveredWarningsEnabled is loaded and saved but not read by any
	// command: pkg/dwarf/cu reports UncoveredFunction/UncoveredLine
	// unconditionally.
	UncoveredWarningsEnabled bool `yaml:"uncovered-warnings-enabled"`

	// ScanWindowWords overrides pkg/stackwalk's bounded stack-scan
	// window; zero means use the package default.
	ScanWindowWords int `yaml:"scan-window-words"`

	// MaxFrames is loaded and saved but not read by any command:
	// pkg/stackwalk always uses its package-default frame bound.
	MaxFrames int `yaml:"max-frames"`

	// DemangleDisabled is loaded and saved but not read by any command:
	// cmd/dump-syms always demangles linkage names.
	DemangleDisabled bool `yaml:"demangle-disabled"`
}

// LoadConfig attempts to populate a Config from ~/.breakpadgo/config.yml,
// creating a commented default file on first run. Any failure along the
// way logs and falls back to a zero-value Config rather than propagating
// an error — matching the teacher's own "never block startup on a bad
// config file" behavior.
func LoadConfig() *Config {
	if err := createConfigPath(); err != nil {
		fmt.Printf("could not create config directory: %v\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("unable to get config file path: %v\n", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("error creating default config file: %v\n", err)
			return &Config{}
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		fmt.Printf("unable to read config data: %v\n", err)
		return &Config{}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Printf("unable to decode config file: %v\n", err)
		return &Config{}
	}
	return &c
}

// SaveConfig marshals conf and writes it to the config file.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0o644)
}

// GetConfigFilePath joins the config directory with a file name.
func GetConfigFilePath(file string) (string, error) {
	dir, err := configPath()
	if err != nil {
		return "", err
	}
	return path.Join(dir, file), nil
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return path.Join(home, configDir), nil
}

func createConfigPath() error {
	dir, err := configPath()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o700)
}

func createDefaultConfig(p string) (*os.File, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %w", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for dump-syms/stackwalk.

# This is the default configuration file. Available options are provided,
# but disabled. Delete the leading hash mark to enable an item.

# Rewrite source paths recorded in a symbol file's FILE records, for when
# sources have moved between compile time and resolve time.
substitute-path:
  # - {from: path, to: path}

# Warn about functions or lines the DWARF ingestion pass couldn't pair up.
# uncovered-warnings-enabled: true

# Override the stack scanner's bounded window, in words.
# scan-window-words: 64

# Override the walker's bounded total frame count.
# max-frames: 1024

# Skip demangling linkage names entirely.
# demangle-disabled: false
`)
	return err
}
