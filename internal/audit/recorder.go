package audit

import (
	"context"
)

// queueSize bounds the async write queue. Entries beyond it are dropped so
// auditing never slows a request.
const queueSize = 256

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder writes entries asynchronously through a single writer goroutine.
type Recorder struct {
	repo   Repository
	queue  chan *Entry
	logger Logger
}

// NewRecorder creates a recorder over repo. Call Run to start writing.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{
		repo:   repo,
		queue:  make(chan *Entry, queueSize),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Record enqueues e. It never blocks; a full queue drops the entry.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	select {
	case r.queue <- &e:
	default:
		r.logger.Warn("audit queue full, dropping entry", "action", e.Action, "home_id", e.HomeID)
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// left and returns.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(e *Entry) {
	if err := r.repo.Create(context.Background(), e); err != nil {
		r.logger.Error("audit log write failed", "action", e.Action, "error", err)
	}
}
