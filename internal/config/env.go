package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overrides config values from SKUWATCH_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("SKUWATCH_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SKUWATCH_DEBUG: %w", err)
		}
		c.Debug = debug
	}
	if v := os.Getenv("SKUWATCH_INTERFACE"); v != "" {
		c.Interface = v
	}
	if v := os.Getenv("SKUWATCH_TARGETS"); v != "" {
		c.Targets = splitList(v)
	}
	if v := os.Getenv("SKUWATCH_IGNORE_MACS"); v != "" {
		c.IgnoreMACs = splitList(v)
	}
	if v := os.Getenv("SKUWATCH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SKUWATCH_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("SKUWATCH_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("SKUWATCH_HISTORY"); v != "" {
		c.HistoryPath = v
	}
	if v := os.Getenv("SKUWATCH_SCAN_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SKUWATCH_SCAN_PERIOD: %w", err)
		}
		c.Scan.Period = Duration(d)
	}
	if v := os.Getenv("SKUWATCH_DEVICE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SKUWATCH_DEVICE_TTL: %w", err)
		}
		c.Scan.TTL = Duration(d)
	}
	if v := os.Getenv("SKUWATCH_SSH_USER"); v != "" {
		c.SSH.User = v
	}
	if v := os.Getenv("SKUWATCH_SSH_KEY"); v != "" {
		c.SSH.KeyPath = v
	}
	if v := os.Getenv("SKUWATCH_SSH_PASSWORD"); v != "" {
		c.SSH.Password = v
	}
	return nil
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
