package logging

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供 clientId/url/后台标记字段，供 Dispatcher 与 Handler 日志复用。
func FetchFields(action string, clientID uuid.UUID, url string, background bool) logrus.Fields {
	fields := logrus.Fields{
		"action":     action,
		"url":        url,
		"background": background,
	}
	if clientID != uuid.Nil {
		fields["client_id"] = clientID.String()
	}
	return fields
}

// CacheFields 提供缓存索引相关字段（url、存储目录、字节数）。
func CacheFields(action, url, cachePath string, bytes int64) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"url":        url,
		"cache_path": cachePath,
		"bytes":      bytes,
	}
}
