// Package config loads webmod settings from webmod.config.{yaml,json,toml},
// WEBMOD_* environment variables and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
	"github.com/glromeo/codebite-sub000/tools/webmod/webmodules"
)

// FileName is the config file base name looked up in the workspace root.
const FileName = "webmod.config"

// Config is the resolved configuration of one workspace.
type Config struct {
	Root       string   `mapstructure:"root"`
	OutDir     string   `mapstructure:"out_dir"`
	URLPrefix  string   `mapstructure:"url_prefix"`
	Squash     []string `mapstructure:"squash"`
	Extensions []string `mapstructure:"extensions"`
	// ImportMap names a workspace import map whose entries override bundled ones.
	ImportMap string `mapstructure:"import_map"`

	Port      int    `mapstructure:"port"`
	Servedir  string `mapstructure:"servedir"`
	Mode      string `mapstructure:"mode"`
	EnvFile   string `mapstructure:"env_file"`
	EnvPrefix string `mapstructure:"env_prefix"`

	Bundler BundlerConfig `mapstructure:"bundler"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// BundlerConfig holds esbuild settings for package bundles.
type BundlerConfig struct {
	// Define entries are "key=value" pairs, like esbuild's --define.
	Define     []string `mapstructure:"define"`
	Target     string   `mapstructure:"target"`
	Minify     bool     `mapstructure:"minify"`
	Conditions []string `mapstructure:"conditions"`
	MainFields []string `mapstructure:"main_fields"`
}

func setDefaults(v *viper.Viper, root string) {
	v.SetDefault("root", root)
	v.SetDefault("out_dir", "web_modules")
	v.SetDefault("url_prefix", "/web_modules")
	v.SetDefault("squash", []string{})
	v.SetDefault("extensions", webmodules.DefaultExtensions)
	v.SetDefault("import_map", "import-map.json")
	v.SetDefault("port", 8080)
	v.SetDefault("servedir", ".")
	v.SetDefault("mode", "development")
	v.SetDefault("env_file", ".env")
	v.SetDefault("env_prefix", "WEBMOD_PUBLIC_")
	v.SetDefault("bundler.define", []string{})
	v.SetDefault("bundler.target", "esnext")
	v.SetDefault("bundler.minify", false)
	v.SetDefault("bundler.conditions", []string{})
	v.SetDefault("bundler.main_fields", []string{"browser", "module", "main"})
}

// Load reads the configuration for the workspace at root. When file is
// empty, webmod.config.* is looked up in root and may be absent.
func Load(root, file string) (*Config, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, root)
	v.SetEnvPrefix("WEBMOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(root)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.resolvePaths(root)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Root = abs(c.Root)
	for _, p := range []*string{&c.OutDir, &c.ImportMap, &c.Servedir, &c.EnvFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Root, *p)
		}
	}
	c.URLPrefix = "/" + strings.Trim(c.URLPrefix, "/")
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.URLPrefix == "/" {
		return errors.New("url_prefix must not be the site root")
	}
	for _, ext := range c.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension %q must start with a dot", ext)
		}
	}
	return nil
}

// ImportMapPath is where bundled entries are persisted.
func (c *Config) ImportMapPath() string {
	return filepath.Join(c.OutDir, "import-map.json")
}

// Roots maps import map URLs back to directories.
func (c *Config) Roots() webmodules.StoreRoots {
	return webmodules.StoreRoots{URLPrefix: c.URLPrefix, OutDir: c.OutDir, Root: c.Root}
}

// Overrides reads the workspace import map. A missing file yields none.
func (c *Config) Overrides() (map[string]string, error) {
	if c.ImportMap == "" {
		return nil, nil
	}
	return webmodules.ReadImportMapFile(c.ImportMap)
}

// Defines merges --define pairs, mode defaults and public .env variables.
func (c *Config) Defines() (map[string]string, error) {
	define := common.ParseDefines(c.Bundler.Define)
	if c.EnvFile != "" {
		vars, err := common.LoadEnvFiles(c.EnvFile, c.Mode, c.EnvPrefix)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			if _, ok := define[k]; !ok {
				define[k] = v
			}
		}
	}
	common.MergeEnvDefines(define, c.Mode)
	return define, nil
}

// BundlerConfig converts the settings into webmodules.Config.
func (c *Config) BundlerConfig() (webmodules.Config, error) {
	define, err := c.Defines()
	if err != nil {
		return webmodules.Config{}, err
	}
	return webmodules.Config{
		Root:       c.Root,
		OutDir:     c.OutDir,
		URLPrefix:  c.URLPrefix,
		Squash:     c.Squash,
		Extensions: c.Extensions,
		Define:     define,
		Target:     common.ParseTarget(c.Bundler.Target),
		Minify:     c.Bundler.Minify,
		Conditions: c.Bundler.Conditions,
		MainFields: c.Bundler.MainFields,
	}, nil
}
