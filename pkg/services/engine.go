package services

import (
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/config"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/retry"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/synthesizer"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/workqueue"
)

// Engine is everything an embedding API layer needs: the registry and data point
// contracts plus the background machinery that applies migrations and delivers events.
type Engine struct {
	Metamodel   MetamodelService
	DataPoints  DataPointService
	Permissions PermissionService
	Consumers   ConsumerService
	Retention   RetentionService
	Health      HealthService

	Runner  *workqueue.Runner
	Spawner *workqueue.Spawner
	Pool    *workqueue.Pool
}

// NewEngine wires repositories, the task queue and the services on top of pools.
// Every synthesizer backend and the consumer delivery task are registered with the
// runner before it is returned.
func NewEngine(cfg *config.Config, pools *database.Pools, notifier workqueue.Notifier, logger *zap.Logger) *Engine {
	db := pools.Primary
	repos := MetamodelRepositories{
		Tenant:     repositories.NewTenantRepository(),
		DataSeries: repositories.NewDataSeriesRepository(),
		Fact:       repositories.NewFactRepository(),
		Dimension:  repositories.NewDimensionRepository(),
		Index:      repositories.NewIndexRepository(),
		Consumer:   repositories.NewConsumerRepository(),
	}
	taskRepo := repositories.NewTaskRepository()
	eventRepo := repositories.NewConsumerEventRepository()
	contention := retry.ContentionConfig(cfg.TaskQueue.InitialBackoff, cfg.TaskQueue.MaxBackoff)

	registry := workqueue.NewRegistry()
	runner := workqueue.NewRunner(db, registry, taskRepo, logger,
		workqueue.WithContentionBackoff(cfg.TaskQueue.InitialBackoff, cfg.TaskQueue.MaxBackoff),
		workqueue.WithRetryConfig(workqueue.RetryConfig{
			InitialBackoff: cfg.TaskQueue.FailureBackoff,
			MaxBackoff:     cfg.TaskQueue.MaxFailureBackoff,
			BackoffFactor:  2.0,
		}))
	var spawnerOpts []workqueue.SpawnerOption
	if cfg.TaskQueue.Synchronous {
		spawnerOpts = append(spawnerOpts, workqueue.WithSynchronous(runner))
	}
	spawner := workqueue.NewSpawner(taskRepo, notifier, logger, spawnerOpts...)

	tenantCtx := NewTenantContextFunc(db)
	permissions := NewPermissionService(&cfg.Permissions, tenantCtx, repos.Tenant,
		repositories.NewAnalyticsUserRepository(), contention, logger)
	synth := synthesizer.NewService(repos.Tenant, repos.DataSeries, repos.Fact, repos.Dimension, repos.Index,
		repositories.NewPartitionRepository(), permissions, logger)
	consumers := NewConsumerService(db, tenantCtx, repos.Tenant, repos.Consumer, eventRepo, taskRepo, spawner,
		ConsumerServiceConfig{
			MaxEventsPerRun: cfg.Consumers.MaxEventsPerRun,
			ProxyURL:        cfg.Consumers.ProxyURL,
		}, logger)

	for _, backend := range synthesizer.Backends() {
		registry.Register(backend.TaskType, synth.HandleTask)
	}
	registry.Register(TaskTrySendEvents, consumers.HandleTask)

	return &Engine{
		Metamodel:   NewMetamodelService(db, tenantCtx, database.NewSchemaManager(db, logger), repos, spawner, logger),
		DataPoints:  NewDataPointService(pools, repos, eventRepo, repositories.NewDataPointRepository(), contention, logger),
		Permissions: permissions,
		Consumers:   consumers,
		Retention:   NewRetentionService(db, eventRepo, cfg.Consumers.EventRetentionDays, logger),
		Health:      NewHealthService(db, taskRepo, repos.Consumer, cfg.TaskQueue.StaleAfter, logger),
		Runner:      runner,
		Spawner:     spawner,
		Pool:        workqueue.NewPool(runner, notifier, cfg.TaskQueue.Workers, cfg.TaskQueue.PollInterval, logger),
	}
}

