// Package config loads kilnd's service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	BlobStoreRoot string
	DatabasePath  string

	// KeySetOrgCapacity and KeySetKeyCapacity size the two-level LRU
	// key-set cache (C4).
	KeySetOrgCapacity int
	KeySetKeyCapacity int

	StatelessTokenTTL time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Addr:              env("KILND_ADDR", ":8080"),
		BlobStoreRoot:     env("KILND_CAS_ROOT", "data/blobs"),
		DatabasePath:      env("KILND_DB_PATH", "data/kilnd.sqlite"),
		KeySetOrgCapacity: 100,
		KeySetKeyCapacity: 100_000,
		StatelessTokenTTL: time.Hour,
	}

	if v := strings.TrimSpace(os.Getenv("KILND_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, err
		}
		cfg.StatelessTokenTTL = d
	}

	if v := strings.TrimSpace(os.Getenv("KILND_KEYSET_ORG_CAPACITY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		cfg.KeySetOrgCapacity = n
	}
	if v := strings.TrimSpace(os.Getenv("KILND_KEYSET_KEY_CAPACITY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		cfg.KeySetKeyCapacity = n
	}
	if cfg.BlobStoreRoot == "" {
		return Config{}, errors.New("missing KILND_CAS_ROOT")
	}
	if cfg.DatabasePath == "" {
		return Config{}, errors.New("missing KILND_DB_PATH")
	}

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
