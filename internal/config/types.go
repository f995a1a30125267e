package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数配额，支持 "32MB"、"1GiB" 或纯整数写法。
type ByteSize int64

// UnmarshalText 通过 humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Bytes 返回 int64 形式的字节数。
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，Dispatcher 与所有 Handler 共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	IndexFile          string   `mapstructure:"IndexFile"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	ResendInterval     Duration `mapstructure:"ResendInterval"`
	AbortTimeout       Duration `mapstructure:"AbortTimeout"`
	// GatewayWaitTimeout 限制 POST /-/requests 等待终态的时长，0 表示不限制。
	GatewayWaitTimeout Duration `mapstructure:"GatewayWaitTimeout"`
	MaxRedirects       int      `mapstructure:"MaxRedirects"`
	Offline            bool     `mapstructure:"Offline"`
	UserAgent          string   `mapstructure:"UserAgent"`
}

// CachePathConfig 描述一个带配额的存储目录，以及路由到它的 MIME 前缀。
type CachePathConfig struct {
	Name         string   `mapstructure:"Name"`
	Quota        ByteSize `mapstructure:"Quota"`
	ContentTypes []string `mapstructure:"ContentTypes"`
}

// IsDefault 表示未限定 ContentTypes 的兜底目录。
func (p CachePathConfig) IsDefault() bool {
	return len(p.ContentTypes) == 0
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig      `mapstructure:",squash"`
	CachePaths []CachePathConfig `mapstructure:"CachePath"`
}

// IndexPath 返回索引文件的绝对路径（相对路径基于 StoragePath）。
func (c *Config) IndexPath() string {
	name := c.Global.IndexFile
	if name == "" {
		name = defaultIndexFile
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Global.StoragePath, name)
}

// QuotaSummary 返回所有存储目录的配额摘要，例如 images:32 MiB。
func QuotaSummary(paths []CachePathConfig) []string {
	if len(paths) == 0 {
		return nil
	}
	result := make([]string, len(paths))
	for i, p := range paths {
		result[i] = fmt.Sprintf("%s:%s", p.Name, p.Quota)
	}
	return result
}
