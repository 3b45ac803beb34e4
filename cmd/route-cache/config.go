package main

import (
	"fmt"
	"os"

	"github.com/always-cache/route-cache/pkg/routes"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin    string         `yaml:"origin"`
	CacheName string         `yaml:"cacheName"`
	Cache     CacheConfig    `yaml:"cache"`
	Metadata  MetadataConfig `yaml:"metadata"`
	Routes    routes.Rules   `yaml:"routes"`
}

type CacheConfig struct {
	// memory, sqlite or redis
	Provider string `yaml:"provider"`
	DSN      string `yaml:"dsn"`
}

type MetadataConfig struct {
	Name     string `yaml:"name"`
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"inMemory"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	err = config.Routes.Validate()
	return config, err
}
