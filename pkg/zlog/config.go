package zlog

import (
	"fmt"
	"strings"
)

// FileConfig 本地轮转文件
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 为空时不写文件
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个文件上限（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数
	MaxAgeDay  int    `mapstructure:"max_age"`     // 保留天数
	Compress   bool   `mapstructure:"compress"`
}

// Config 日志配置，由服务配置的 log 段解析而来
type Config struct {
	Service      string     `mapstructure:"service"`
	Level        string     `mapstructure:"level"`    // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"` // json|console
	Stdout       bool       `mapstructure:"stdout"`
	File         FileConfig `mapstructure:"file"`
	EnableMetric bool       `mapstructure:"enable_metric"`
}

// Validate 校验并补全文件轮转参数
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("log.service must not be empty")
	}

	c.Level = strings.ToLower(c.Level)
	if _, ok := levels[c.Level]; !ok {
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", c.Level)
	}

	switch c.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.Encoding)
	}

	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.stdout is false")
	}

	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 60
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 30
		}
	}
	return nil
}
