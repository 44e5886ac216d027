package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供资源类别/缓存路径/命中状态字段，供代理请求日志复用。
func RequestFields(resource, cachePath, cacheState string) logrus.Fields {
	return logrus.Fields{
		"resource":   resource,
		"cache_path": cachePath,
		"cache":      cacheState,
	}
}
