package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ResendInterval.DurationValue() <= 0 {
		return newFieldError("Global.ResendInterval", "必须大于 0")
	}
	if g.AbortTimeout.DurationValue() < 0 {
		return newFieldError("Global.AbortTimeout", "不能为负数")
	}
	if g.MaxRedirects < 0 {
		return newFieldError("Global.MaxRedirects", "不能为负数")
	}
	if strings.ContainsAny(g.IndexFile, "\n\r") {
		return newFieldError("Global.IndexFile", "包含非法字符")
	}

	if len(c.CachePaths) == 0 {
		return errors.New("至少需要配置一个 CachePath")
	}

	seenNames := map[string]struct{}{}
	seenPrefixes := map[string]string{}
	defaults := 0
	for i := range c.CachePaths {
		p := &c.CachePaths[i]
		if p.Name == "" {
			return newFieldError("CachePath[].Name", "不能为空")
		}
		if err := validatePathName(p.Name); err != nil {
			return fmt.Errorf("%s: %w", cachePathField(p.Name, "Name"), err)
		}
		if _, exists := seenNames[p.Name]; exists {
			return newFieldError(cachePathField(p.Name, "Name"), "重复")
		}
		seenNames[p.Name] = struct{}{}

		if p.Quota <= 0 {
			return newFieldError(cachePathField(p.Name, "Quota"), "必须大于 0")
		}
		if p.IsDefault() {
			defaults++
		}
		for _, prefix := range p.ContentTypes {
			if owner, exists := seenPrefixes[prefix]; exists {
				return newFieldError(cachePathField(p.Name, "ContentTypes"), fmt.Sprintf("%s 已被 %s 使用", prefix, owner))
			}
			seenPrefixes[prefix] = p.Name
		}
	}
	if defaults != 1 {
		return newFieldError("CachePath[].ContentTypes", "必须恰好有一个未限定 ContentTypes 的默认目录")
	}

	return nil
}

func validatePathName(name string) error {
	if strings.ContainsAny(name, `/\`) {
		return errors.New("Name 不允许包含路径分隔符")
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return errors.New("Name 不允许以 . 开头")
	}
	if strings.Contains(name, " ") {
		return errors.New("Name 不允许包含空格")
	}
	return nil
}
