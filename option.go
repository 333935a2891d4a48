package pingchat

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	// DefaultBufferSize is the default reassembly buffer capacity per connection.
	DefaultBufferSize = 1024
	// DefaultTimeout is the default idle window before a connection is dropped.
	DefaultTimeout = 60 * time.Second
)

// ErrInvalidBufferSize is returned when the reassembly buffer cannot hold the
// locally synthesized ERROR frame or exceeds the protocol ceiling.
var ErrInvalidBufferSize = errors.New("invalid buffer size")

// options holds the configuration shared by a connection and the pool that owns it.
type options struct {
	logger Logger

	bufferSize int           // reassembly buffer capacity
	timeout    time.Duration // idle window

	frameRate  rate.Limit // inbound frames per second, 0 disables limiting
	frameBurst int

	registry prometheus.Registerer
	metrics  *metrics

	now func() time.Time
}

// Option is a function that configures connection options.
type Option func(*options)

// BufferSizeOption sets the reassembly buffer capacity. Frames with a larger
// declared length are drained and replaced by a local ERROR frame.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// TimeoutOption sets the idle window after which a silent connection is dropped.
// A keepalive PING is sent once half of the window has passed.
func TimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// FrameRateOption limits how many frames per second a peer may send, with
// the given burst. Peers over the limit are disconnected.
func FrameRateOption(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.frameRate = limit
		o.frameBurst = burst
	}
}

// MetricsRegistryOption registers the connection metrics with reg.
// If not set, metrics are kept in a private registry.
func MetricsRegistryOption(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// clockOption replaces the wall clock, for tests.
func clockOption(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opt ...Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return opts, checkOptions(&opts)
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize == 0 {
		opts.bufferSize = DefaultBufferSize
	}
	if opts.bufferSize < len(errorFrame) || opts.bufferSize > MaxFrameSize {
		return errors.Wrapf(ErrInvalidBufferSize, "%d not in [%d, %d]", opts.bufferSize, len(errorFrame), MaxFrameSize)
	}

	if opts.timeout <= 0 {
		opts.timeout = DefaultTimeout
	}

	if opts.frameRate > 0 && opts.frameBurst <= 0 {
		opts.frameBurst = 1
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.now == nil {
		opts.now = time.Now
	}

	if opts.metrics == nil {
		if opts.registry == nil {
			opts.registry = prometheus.NewRegistry()
		}
		opts.metrics = newMetrics(opts.registry)
	}

	return nil
}
