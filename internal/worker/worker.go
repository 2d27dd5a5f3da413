package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/tasks"
	"go.uber.org/zap"
)

type Jobs struct {
	Expirer    tasks.CodeExpirer
	Reconciler tasks.PaymentReconciler
}

// RunWorkers starts the asynq server and the periodic scheduler and blocks
// until ctx is cancelled.
func RunWorkers(ctx context.Context, cfg *config.Config, jobs Jobs, logger *zap.Logger) error {
	redisConnOpts := asynq.RedisClientOpt{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}

	srv := asynq.NewServer(
		redisConnOpts,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Named("AsynqServerErrorHandler").Error("Asynq task processing failed",
					zap.String("task_type", task.Type()),
					zap.ByteString("payload", task.Payload()),
					zap.Error(err),
				)
			}),
			Logger: NewAsynqLoggerAdapter(logger.Named("AsynqServer")),
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeCodesExpire, tasks.NewExpireCodesHandler(jobs.Expirer, logger))
	mux.Handle(tasks.TypePaymentsReconcile, tasks.NewReconcilePaymentsHandler(jobs.Reconciler, logger))

	scheduler := asynq.NewScheduler(
		redisConnOpts,
		&asynq.SchedulerOpts{
			Logger: NewAsynqLoggerAdapter(logger.Named("AsynqScheduler")),
		},
	)
	if err := registerPeriodic(scheduler, cfg.Worker, logger); err != nil {
		return err
	}

	logger.Info("Starting Asynq Server...")
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("asynq server error: %w", err)
	}

	logger.Info("Starting Asynq Scheduler...")
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return fmt.Errorf("asynq scheduler error: %w", err)
	}

	<-ctx.Done()

	logger.Info("Shutting down Asynq Scheduler...")
	scheduler.Shutdown()
	logger.Info("Shutting down Asynq Server...")
	srv.Shutdown()
	logger.Info("Asynq workers stopped.")

	return nil
}

func registerPeriodic(scheduler *asynq.Scheduler, cfg config.WorkerConfig, logger *zap.Logger) error {
	expireTask, err := tasks.NewExpireCodesTask()
	if err != nil {
		return fmt.Errorf("scheduler task creation error: %w", err)
	}
	reconcileTask, err := tasks.NewReconcilePaymentsTask(cfg.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("scheduler task creation error: %w", err)
	}

	for _, entry := range []struct {
		spec string
		task *asynq.Task
	}{
		{cfg.ExpireSchedule, expireTask},
		{cfg.ReconcileSchedule, reconcileTask},
	} {
		entryID, err := scheduler.Register(entry.spec, entry.task)
		if err != nil {
			return fmt.Errorf("scheduler registration error for %s: %w", entry.task.Type(), err)
		}
		logger.Info("Registered periodic task",
			zap.String("task", entry.task.Type()),
			zap.String("entry_id", entryID),
			zap.String("schedule", entry.spec),
		)
	}
	return nil
}

type asynqLoggerAdapter struct {
	logger *zap.Logger
}

func NewAsynqLoggerAdapter(logger *zap.Logger) *asynqLoggerAdapter {
	return &asynqLoggerAdapter{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (l *asynqLoggerAdapter) Debug(args ...interface{}) {
	l.logger.Debug(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Info(args ...interface{}) {
	l.logger.Info(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Warn(args ...interface{}) {
	l.logger.Warn(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Error(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Fatal(args ...interface{}) {
	l.logger.Fatal(fmt.Sprint(args...))
}
