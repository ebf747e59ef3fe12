// Package config loads the gateway's environment-variable configuration via
// Viper's environment-binding mode. There is no config file here: every
// setting comes from the process environment, per a container-native
// gateway's deployment model.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's complete runtime configuration, one field per
// spec.md §6 environment variable.
type Config struct {
	DatabaseURL           string
	RedisURL              string
	Port                  int
	KVSecret              string
	CORSAllowedOrigins    []string
	LoadBalancerStrategy  string
	HealthCheckInterval   time.Duration
}

// Load reads the gateway's configuration from the process environment.
// DATABASE_URL and REDIS_URL are required; every other variable has the
// default spec.md §6 specifies.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("port", 3000)
	v.SetDefault("load_balancer_strategy", "round-robin")
	v.SetDefault("health_check_interval", "30s")

	for _, key := range []string{
		"database_url", "redis_url", "port", "vk_secret",
		"cors_allowed_origins", "load_balancer_strategy", "health_check_interval",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	databaseURL := v.GetString("database_url")
	if databaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	redisURL := v.GetString("redis_url")
	if redisURL == "" {
		return Config{}, fmt.Errorf("config: REDIS_URL is required")
	}

	interval, err := time.ParseDuration(v.GetString("health_check_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing HEALTH_CHECK_INTERVAL: %w", err)
	}

	var origins []string
	if raw := v.GetString("cors_allowed_origins"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return Config{
		DatabaseURL:          databaseURL,
		RedisURL:             redisURL,
		Port:                 v.GetInt("port"),
		KVSecret:             v.GetString("vk_secret"),
		CORSAllowedOrigins:   origins,
		LoadBalancerStrategy: normalizeStrategy(v.GetString("load_balancer_strategy")),
		HealthCheckInterval:  interval,
	}, nil
}

// normalizeStrategy maps the hyphenated env-var spelling
// (LOAD_BALANCER_STRATEGY default "round-robin") onto internal/strategy's
// underscore-spelled algorithm names.
func normalizeStrategy(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}
