package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "stegofed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int           `yaml:"httpPort"`
		Domain            string        `yaml:"domain"`
		DataDir           string        `yaml:"dataDir"`
		Debug             bool          `yaml:"debug"`
		MaxQueueLength    int           `yaml:"maxQueueLength"`
		MaxPostBytes      int64         `yaml:"maxPostBytes"`
		SendRingSize      int           `yaml:"sendRingSize"`
		WatchdogInterval  time.Duration `yaml:"watchdogInterval"`
		SecureMode        bool          `yaml:"secureMode"`
		AllowLocalNetwork bool          `yaml:"allowLocalNetwork"`
		BlocklistRefresh  time.Duration `yaml:"blocklistRefresh"`
		KeyCacheTTL       time.Duration `yaml:"keyCacheTTL"`
		KeyCacheSize      int           `yaml:"keyCacheSize"`
		DeliveryTimeout   time.Duration `yaml:"deliveryTimeout"`
		FetchTimeout      time.Duration `yaml:"fetchTimeout"`
		DeliveryRetries   int           `yaml:"deliveryRetries"`
		SlotGracePeriod   time.Duration `yaml:"slotGracePeriod"`
		SchedulerInterval time.Duration `yaml:"schedulerInterval"`
		ShareExpiry       time.Duration `yaml:"shareExpiryInterval"`
		NewswireInterval  time.Duration `yaml:"newswireInterval"`
		RateLimit         float64       `yaml:"rateLimit"`
		RateBurst         int           `yaml:"rateBurst"`
	}
}

// ReadConf loads config.yaml from the working directory or the user config
// directory, falling back to the embedded defaults.
func ReadConf() (*AppConfig, error) {
	return ReadConfFrom(ResolveFilePath(ConfigFileName))
}

// ReadConfFrom loads the configuration from configPath and applies the
// STEGOFED_* environment overrides.
func ReadConfFrom(configPath string) (*AppConfig, error) {
	c := &AppConfig{}

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if _, statErr := os.Stat(userConfigPath); os.IsNotExist(statErr) {
				if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
					log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
				} else {
					log.Printf("Created default config file at %s", userConfigPath)
				}
			}
		}
	}

	// defaults first so a sparse config file only overrides what it names
	if err = yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)
	c.applyDefaults()
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("STEGOFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("STEGOFED_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("STEGOFED_DATADIR"); v != "" {
		c.Conf.DataDir = v
	}
	envInt("STEGOFED_HTTPPORT", &c.Conf.HttpPort)
	envInt("STEGOFED_MAX_QUEUE", &c.Conf.MaxQueueLength)
	envInt("STEGOFED_RING_SIZE", &c.Conf.SendRingSize)
	if v := os.Getenv("STEGOFED_MAX_POST_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Printf("Warning: ignoring STEGOFED_MAX_POST_BYTES=%q: %v", v, err)
		} else {
			c.Conf.MaxPostBytes = n
		}
	}
	if v := os.Getenv("STEGOFED_WATCHDOG_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("Warning: ignoring STEGOFED_WATCHDOG_INTERVAL=%q: %v", v, err)
		} else {
			c.Conf.WatchdogInterval = d
		}
	}
	envBool("STEGOFED_SECURE_MODE", &c.Conf.SecureMode)
	envBool("STEGOFED_ALLOW_LOCAL", &c.Conf.AllowLocalNetwork)
	envBool("STEGOFED_DEBUG", &c.Conf.Debug)
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: ignoring %s=%q: %v", name, v, err)
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	switch os.Getenv(name) {
	case "true":
		*dst = true
	case "false":
		*dst = false
	}
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.MaxQueueLength <= 0 {
		c.Conf.MaxQueueLength = 50
	}
	if c.Conf.MaxPostBytes <= 0 {
		c.Conf.MaxPostBytes = 1 << 20
	}
	if c.Conf.SendRingSize <= 0 {
		c.Conf.SendRingSize = 8
	}
	if c.Conf.WatchdogInterval <= 0 {
		c.Conf.WatchdogInterval = 20 * time.Second
	}
	if c.Conf.BlocklistRefresh <= 0 {
		c.Conf.BlocklistRefresh = time.Minute
	}
	if c.Conf.KeyCacheTTL <= 0 {
		c.Conf.KeyCacheTTL = 24 * time.Hour
	}
	if c.Conf.KeyCacheSize <= 0 {
		c.Conf.KeyCacheSize = 4096
	}
	if c.Conf.DeliveryTimeout <= 0 {
		c.Conf.DeliveryTimeout = 30 * time.Second
	}
	if c.Conf.FetchTimeout <= 0 {
		c.Conf.FetchTimeout = 10 * time.Second
	}
	if c.Conf.DeliveryRetries <= 0 {
		c.Conf.DeliveryRetries = 3
	}
	if c.Conf.SlotGracePeriod <= 0 {
		c.Conf.SlotGracePeriod = 2 * time.Second
	}
	if c.Conf.SchedulerInterval <= 0 {
		c.Conf.SchedulerInterval = time.Minute
	}
	if c.Conf.ShareExpiry <= 0 {
		c.Conf.ShareExpiry = 5 * time.Minute
	}
	if c.Conf.NewswireInterval <= 0 {
		c.Conf.NewswireInterval = 10 * time.Minute
	}
	if c.Conf.RateLimit <= 0 {
		c.Conf.RateLimit = 5
	}
	if c.Conf.RateBurst <= 0 {
		c.Conf.RateBurst = 10
	}
	if c.Conf.DataDir == "" {
		c.Conf.DataDir = "."
	}
}
