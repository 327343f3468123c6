package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024
	envPrefix         = "WARDEN_"
	configFileName    = "config.yaml"
)

// ErrConfigPath is returned for config files outside the allowed directories
// or with unsafe properties.
var ErrConfigPath = errors.New("config path rejected")

// Load reads configuration for the project at root.
//
// When configPath is empty the first existing file among
// <root>/.warden/config.yaml and ~/.config/warden/config.yaml is used; with
// neither present only defaults and environment apply.
//
// Config files must live in ~/.config/warden, /etc/warden or <root>/.warden,
// must be 0600 or 0400 and at most 1MB.
//
// Environment variables map the first underscore to a section separator and
// double underscores to deeper levels:
//
//	WARDEN_SERVER_PORT            -> server.port
//	WARDEN_CYCLE_CAPS__MAX_PRS    -> cycle.caps.max_prs
//	WARDEN_AGENT_COMMAND=a,b      -> agent.command = [a b]
func Load(root, configPath string) (*Config, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	k := koanf.New(".")

	if configPath == "" {
		configPath = discover(absRoot)
	}
	if configPath != "" {
		if err := validateConfigPath(configPath, absRoot); err != nil {
			return nil, err
		}
		content, err := readConfigFile(configPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	cfg.Project.Root = absRoot
	if err := unmarshal(k, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// unmarshal decodes over the defaults. Slices and maps present in a source
// replace the default instead of merging element-wise.
func unmarshal(k *koanf.Koanf, cfg *Config) error {
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			ZeroFields:       true,
		},
	})
}

// envKey maps WARDEN_SECTION_FIELD__SUB to section.field.sub.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, found := strings.Cut(lower, "_")
	if !found {
		return section
	}
	return section + "." + strings.ReplaceAll(rest, "__", ".")
}

func discover(root string) string {
	candidates := []string{filepath.Join(root, StateDirName, configFileName)}
	if dir, err := userConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, configFileName))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "warden"), nil
}

// EnsureConfigDir creates ~/.config/warden with 0700 permissions.
func EnsureConfigDir() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// validateConfigPath rejects files outside the allowed directories. Symlinks
// are resolved first so a link cannot escape.
func validateConfigPath(path, root string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigPath, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}

	allowed := []string{"/etc/warden", filepath.Join(root, StateDirName)}
	if dir, err := userConfigDir(); err == nil {
		allowed = append(allowed, dir)
	}
	if realRoot, err := filepath.EvalSymlinks(root); err == nil && realRoot != root {
		allowed = append(allowed, filepath.Join(realRoot, StateDirName))
	}
	for _, dir := range allowed {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be in ~/.config/warden/, /etc/warden/ or <project>/.warden/", ErrConfigPath, path)
}

// readConfigFile validates properties on the opened descriptor before reading.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, err
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("%w: insecure permissions %v (expected 0600 or 0400)", ErrConfigPath, perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%w: file too large: %d bytes (max %d)", ErrConfigPath, info.Size(), maxConfigFileSize)
	}
	return nil
}
