package executor

import (
	"context"
	"time"

	"github.com/relistan/go-director"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/sink"
)

// Notifier forwards execution failures outside the process
type Notifier interface {
	Notify(failure *sink.ExecutionError) error
}

// WatchFailures forwards every failure from failures to notifier until ctx is
// cancelled or the stream is closed. It blocks; run it in a goroutine.
func WatchFailures(ctx context.Context, failures <-chan *sink.ExecutionError, notifier Notifier, logger *logrus.Logger) {
	log := logger.WithField("component", "failure-watcher")
	looper := director.NewFreeLooper(director.FOREVER, make(chan error, 1))

	var quit bool

	looper.Loop(func() error {
		if quit {
			// Give looper a moment to catch up
			time.Sleep(100 * time.Millisecond)
			return nil
		}

		select {
		case failure, ok := <-failures:
			if !ok {
				log.Debug("failure stream closed, stopping failure watcher")
				looper.Quit()
				quit = true
				return nil
			}

			if err := notifier.Notify(failure); err != nil {
				log.WithError(err).WithField("id", failure.ID).Error("unable to forward failure")
			}
		case <-ctx.Done():
			log.Warning("shutdown detected, stopping failure watcher")
			looper.Quit()
			quit = true
		}

		return nil
	})

	log.Debug("failure watcher exiting")
}
