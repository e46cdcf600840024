package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brokerfeed/serviceclients/internal/objectstore"
	"github.com/brokerfeed/serviceclients/internal/queue"
	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/logging"
	"github.com/brokerfeed/serviceclients/pkg/metrics"
	"github.com/brokerfeed/serviceclients/pkg/resilience"
)

// feedworker drains the feed queue and pulls each referenced drop out
// of the object store. It is the smallest complete consumer of the
// client stack and doubles as a smoke test against a live environment.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "feedworker",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(metrics.Config{Namespace: "feedworker"}, prometheus.DefaultRegisterer)
	resilience.SetObserver(m)

	q, err := queue.New(&cfg.Queue)
	if err != nil {
		logger.Error("queue client failed", "error", err.Error())
		os.Exit(1)
	}
	defer q.Close()

	store, err := objectstore.New(&cfg.ObjectStore)
	if err != nil {
		logger.Error("object store client failed", "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()
	store.SetLockHook(m.LockHook("objectstore"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("feedworker started", "queue", cfg.Queue.Name, "bucket", cfg.ObjectStore.Bucket)

	for ctx.Err() == nil {
		msgs, err := q.Receive(ctx, 10, cfg.Queue.LongPollWait)
		if err != nil {
			logger.Error("receive failed", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			n, err := q.Parse(ctx, msg)
			if err != nil {
				// Parse already deleted the poison message.
				continue
			}

			content, found, err := store.Read(ctx, n.Key)
			if err != nil {
				logger.Error("read failed", "key", n.Key, "error", err.Error())
				continue
			}
			if !found {
				logger.Warn("drop vanished before pickup", "key", n.Key, "source", n.Source)
				if err := q.Delete(ctx, msg); err != nil {
					logger.Error("delete failed", "id", msg.ID, "error", err.Error())
				}
				continue
			}

			logger.Info("drop received", "key", n.Key, "source", n.Source, "bytes", len(content))
			if err := q.Delete(ctx, msg); err != nil {
				logger.Error("delete failed", "id", msg.ID, "error", err.Error())
			}
		}

		if _, err := q.ReapExpired(ctx); err != nil {
			logger.Error("reap failed", "error", err.Error())
		}
	}
}
