package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultIndexFile        = "cache-index.json"
	defaultCachePathName    = "default"
	defaultCachePathQuota   = 64 * 1024 * 1024
	defaultUpstreamTimeout  = 30 * time.Second
	defaultResendInterval   = 2 * time.Second
	defaultMaxRedirects     = 10
	defaultGatewayWait      = 10 * time.Minute
	defaultUserAgentPattern = "weblite/%s"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。配置只在启动时读取一次。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCachePathDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("IndexFile", defaultIndexFile)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ResendInterval", "2s")
	v.SetDefault("AbortTimeout", "0s")
	v.SetDefault("GatewayWaitTimeout", defaultGatewayWait.String())
	v.SetDefault("MaxRedirects", defaultMaxRedirects)
	v.SetDefault("Offline", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5080
	}
	if g.IndexFile == "" {
		g.IndexFile = defaultIndexFile
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
	if g.ResendInterval.DurationValue() == 0 {
		g.ResendInterval = Duration(defaultResendInterval)
	}
	if g.AbortTimeout.DurationValue() < 0 {
		g.AbortTimeout = Duration(0)
	}
	if g.GatewayWaitTimeout.DurationValue() < 0 {
		g.GatewayWaitTimeout = Duration(0)
	}
}

// applyCachePathDefaults 在未声明任何 CachePath 时补一个 default 目录，并规范化 MIME 前缀。
func applyCachePathDefaults(cfg *Config) {
	if len(cfg.CachePaths) == 0 {
		cfg.CachePaths = []CachePathConfig{{
			Name:  defaultCachePathName,
			Quota: ByteSize(defaultCachePathQuota),
		}}
		return
	}
	for i := range cfg.CachePaths {
		p := &cfg.CachePaths[i]
		p.Name = strings.TrimSpace(p.Name)
		prefixes := p.ContentTypes[:0]
		for _, ct := range p.ContentTypes {
			if trimmed := strings.ToLower(strings.TrimSpace(ct)); trimmed != "" {
				prefixes = append(prefixes, trimmed)
			}
		}
		p.ContentTypes = prefixes
	}
}

// DefaultUserAgent 返回带版本号的默认 User-Agent。
func DefaultUserAgent(version string) string {
	return fmt.Sprintf(defaultUserAgentPattern, version)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析 Quota 字段: %s", v)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Quota 类型: %T", v)
		}
	}
}
