package util

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host            string `yaml:"host" env:"MAMMUT_HOST"`
		HttpPort        int    `yaml:"httpPort" env:"MAMMUT_HTTPPORT"`
		Domain          string `yaml:"domain" env:"MAMMUT_DOMAIN"`
		WithFederation  bool   `yaml:"withFederation" env:"MAMMUT_FEDERATION"`
		InstanceUser    string `yaml:"instanceUser" env:"MAMMUT_INSTANCE_USER"`
		Workers         int    `yaml:"workers" env:"MAMMUT_WORKERS"`
		MaxAttempts     int    `yaml:"maxAttempts" env:"MAMMUT_MAX_ATTEMPTS"`
		MaxClockSkewSec int    `yaml:"maxClockSkewSec" env:"MAMMUT_MAX_CLOCK_SKEW_SEC"`
		ActorCacheMin   int    `yaml:"actorCacheMin" env:"MAMMUT_ACTOR_CACHE_MIN"`
	}
}

// MaxClockSkew is the accepted Date header drift on signed requests.
func (c *AppConfig) MaxClockSkew() time.Duration {
	if c.Conf.MaxClockSkewSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Conf.MaxClockSkewSec) * time.Second
}

// ActorCacheTTL is the freshness window for cached remote actors.
func (c *AppConfig) ActorCacheTTL() time.Duration {
	if c.Conf.ActorCacheMin <= 0 {
		return time.Hour
	}
	return time.Duration(c.Conf.ActorCacheMin) * time.Minute
}

// DeliveryMaxAttempts is the dead-letter threshold for outbound deliveries.
func (c *AppConfig) DeliveryMaxAttempts() int {
	if c.Conf.MaxAttempts <= 0 {
		return 5
	}
	return c.Conf.MaxAttempts
}

// DeliveryWorkers is the delivery worker pool size.
func (c *AppConfig) DeliveryWorkers() int {
	if c.Conf.Workers <= 0 {
		return 2
	}
	return c.Conf.Workers
}

// ReadConf loads the yaml config (local dir first, then user config dir,
// then embedded defaults) and applies MAMMUT_* env overrides on top.
func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := env.Parse(&c.Conf); err != nil {
		return nil, fmt.Errorf("in env overrides: %w", err)
	}

	return c, nil
}
