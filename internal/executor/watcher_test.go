package executor

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/builder"
	"mysql-sink/internal/models"
	"mysql-sink/internal/sink"
)

type recordingNotifier struct {
	mu       sync.Mutex
	received []*sink.ExecutionError
	err      error
}

func (r *recordingNotifier) Notify(failure *sink.ExecutionError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, failure)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func failure(id string) *sink.ExecutionError {
	return &sink.ExecutionError{
		ID:        id,
		Statement: &builder.Statement{Kind: models.KindInsert, Table: "t"},
		Cause:     errors.New("boom"),
		Attempts:  1,
	}
}

var _ = Describe("WatchFailures", func() {
	var logger *logrus.Logger

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
	})

	It("forwards every failure until the stream closes", func() {
		failures := make(chan *sink.ExecutionError, 3)
		notifier := &recordingNotifier{}

		failures <- failure("a")
		failures <- failure("b")
		close(failures)

		done := make(chan struct{})
		go func() {
			defer close(done)
			WatchFailures(context.Background(), failures, notifier, logger)
		}()

		Eventually(done, "2s").Should(BeClosed())
		Expect(notifier.count()).To(Equal(2))
		Expect(notifier.received[0].ID).To(Equal("a"))
		Expect(notifier.received[1].ID).To(Equal("b"))
	})

	It("keeps going when a notification fails", func() {
		failures := make(chan *sink.ExecutionError, 2)
		notifier := &recordingNotifier{err: errors.New("nats down")}

		failures <- failure("a")
		failures <- failure("b")
		close(failures)

		WatchFailures(context.Background(), failures, notifier, logger)

		Expect(notifier.count()).To(Equal(2))
	})

	It("stops when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			WatchFailures(ctx, make(chan *sink.ExecutionError), &recordingNotifier{}, logger)
		}()

		Consistently(done, "50ms").ShouldNot(BeClosed())
		cancel()
		Eventually(done, "2s").Should(BeClosed())
	})
})
