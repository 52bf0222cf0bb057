package config

import (
	"fmt"
	"time"

	"zhype/crypto"
)

// Validate rejects configurations that cannot produce a working daemon.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: ListenAddress must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if c.OwnerAddress != "" {
		if _, err := crypto.DecodeAddress(c.OwnerAddress); err != nil {
			return fmt.Errorf("config: invalid OwnerAddress: %w", err)
		}
	}
	if c.Oracle.CacheTTL != "" {
		if _, err := time.ParseDuration(c.Oracle.CacheTTL); err != nil {
			return fmt.Errorf("config: invalid Oracle.CacheTTL: %w", err)
		}
	}
	return nil
}

// OracleTTL returns the parsed cache ttl, defaulting to thirty seconds.
func (c *Config) OracleTTL() time.Duration {
	if c.Oracle.CacheTTL == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Oracle.CacheTTL)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
