package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 提供缓存版本与生命周期状态字段，供 install/activate 日志复用。
func WorkerFields(version, state string) logrus.Fields {
	return logrus.Fields{
		"cache_version": version,
		"worker_state":  state,
	}
}

// RequestFields 提供请求方法/地址/策略/命中来源字段，供拦截日志复用。
func RequestFields(version, method, url, strategy, source string) logrus.Fields {
	return logrus.Fields{
		"cache_version": version,
		"method":        method,
		"url":           url,
		"strategy":      strategy,
		"source":        source,
	}
}
