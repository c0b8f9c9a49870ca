// Package config loads ./application.yml (deep-merged over built-in
// defaults), exposing exactly the keys the core consumes plus the
// dispatcher worker-count knob.
package config

import (
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the subset of application.yml the server reads.
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`

	Lavalink struct {
		Server struct {
			Password string `yaml:"password"`
			Sources  struct {
				YouTube    bool `yaml:"youtube"`
				SoundCloud bool `yaml:"soundcloud"`
				Local      bool `yaml:"local"`
				HTTP       bool `yaml:"http"`
			} `yaml:"sources"`
			YouTubeSearchEnabled   bool `yaml:"youtubeSearchEnabled"`
			SoundCloudSearchEnabled bool `yaml:"soundcloudSearchEnabled"`
			Workers                 int  `yaml:"workers"`
		} `yaml:"server"`
	} `yaml:"lavalink"`

	Logging struct {
		Level struct {
			Root     string `yaml:"root"`
			Lavalink string `yaml:"lavalink"`
		} `yaml:"level"`
	} `yaml:"logging"`

	Spring struct {
		Main struct {
			BannerMode string `yaml:"banner-mode"`
		} `yaml:"main"`
	} `yaml:"spring"`
}

// Default returns the server's built-in defaults, applied before any
// application.yml is merged on top.
func Default() Config {
	var c Config
	c.Server.Address = "0.0.0.0"
	c.Server.Port = 2333
	c.Lavalink.Server.Sources.YouTube = true
	c.Lavalink.Server.Sources.SoundCloud = true
	c.Lavalink.Server.Sources.Local = true
	c.Lavalink.Server.Sources.HTTP = true
	c.Lavalink.Server.YouTubeSearchEnabled = true
	c.Lavalink.Server.SoundCloudSearchEnabled = true
	c.Lavalink.Server.Workers = runtime.NumCPU()
	c.Logging.Level.Root = "info"
	c.Logging.Level.Lavalink = "info"
	c.Spring.Main.BannerMode = "off"
	return c
}

// Load reads path (defaulting to "./application.yml") and deep-merges it
// over Default(). A missing file is not an error: the defaults alone are a
// valid configuration. yaml.v3's Unmarshal leaves struct fields it finds no
// matching key for untouched, which is what makes merge-by-unmarshal-onto-
// defaults work without a separate merge step.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = "application.yml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Lavalink.Server.Workers <= 0 {
		cfg.Lavalink.Server.Workers = runtime.NumCPU()
	}
	return cfg, nil
}
