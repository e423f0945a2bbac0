package config

import "airbcm/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	Disabled   bool            `yaml:"disabled"`   // no category files at all
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Disabled {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// LoggingOptions converts the config section into logging.Options rooted at
// the namespaced log directory.
func (c *Config) LoggingOptions(verbose bool) logging.Options {
	level := c.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Options{
		Dir:        c.LogDir(),
		Level:      level,
		JSONFormat: c.Logging.Format == "json",
		Disabled:   c.Logging.Disabled,
		Categories: c.Logging.Categories,
	}
}
