package registration

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/origin"
	"github.com/any-hub/offline-hub/internal/worker"
)

// NewFactory 基于 [Worker] 配置构建 Factory。所有版本共享同一存储、源站客户端与指标。
func NewFactory(cfg *config.Config, storage cache.Storage, client *origin.Client, logger *logrus.Logger, metrics *worker.Metrics) (Factory, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if client == nil {
		return nil, errors.New("origin client is required")
	}

	settings := cfg.Worker
	classifier := worker.MarkerClassifier(settings.DynamicMarkers)

	return func(version string, clients worker.Clients) (*worker.Manager, error) {
		return worker.New(worker.Options{
			Version:         version,
			Storage:         storage,
			Network:         client,
			Resolve:         client.Resolve,
			Precache:        settings.Precache,
			Classifier:      classifier,
			RootDocument:    settings.RootDocument,
			ImageFallbacks:  settings.ImageFallbacks,
			DeferActivation: settings.DeferActivation,
			Clients:         clients,
			Logger:          logger,
			Metrics:         metrics,
		})
	}, nil
}
