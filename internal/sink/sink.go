// Package sink implements the destinations parsed reports are delivered to.
//
// Every sink is a Transport wrapped by Managed, which owns the lifecycle
// state machine. A failing sink never affects the others, the pipeline only
// delivers to sinks in StateRunning.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/metrics"
	"github.com/firefart/dmarcpipeline/internal/report"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current lifecycle state.
	ErrInvalidState = errors.New("invalid sink state")
	// ErrUnknownType is returned by the registry for unregistered types.
	ErrUnknownType = errors.New("unknown sink type")
)

// SetupError is returned when a sink could not be initialised.
type SetupError struct {
	Sink string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("could not set up sink %s: %v", e.Sink, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// DeliveryError is returned when a single report could not be delivered.
type DeliveryError struct {
	Sink     string
	ReportID string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("could not deliver report %s to sink %s: %v", e.ReportID, e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of a sink.
type State int

const (
	StateShutdown State = iota
	StateSettingUp
	StateRunning
	StateSetupError
	StateShuttingDown
	StateShutdownError
)

func (s State) String() string {
	switch s {
	case StateShutdown:
		return "shutdown"
	case StateSettingUp:
		return "setting_up"
	case StateRunning:
		return "running"
	case StateSetupError:
		return "setup_error"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdownError:
		return "shutdown_error"
	default:
		return "unknown"
	}
}

// IsValidTransition reports whether the state machine may move from s to
// next. Error states can only be left by resetting to StateShutdown.
func (s State) IsValidTransition(next State) bool {
	switch s {
	case StateShutdown:
		return next == StateSettingUp
	case StateSettingUp:
		return next == StateRunning || next == StateSetupError
	case StateRunning:
		return next == StateShuttingDown
	case StateShuttingDown:
		return next == StateShutdown || next == StateShutdownError
	case StateSetupError, StateShutdownError:
		return next == StateShutdown
	default:
		return false
	}
}

// Sink is a delivery destination.
type Sink interface {
	Name() string
	State() State
	// Setup initialises the sink. It fails with ErrInvalidState unless the
	// sink is shut down.
	Setup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ProcessAggregate(ctx context.Context, r *report.AggregateReport) error
	ProcessForensic(ctx context.Context, r *report.ForensicReport) error
}

// Transport is the part every sink variant implements.
type Transport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Aggregate(ctx context.Context, r *report.AggregateReport) error
	Forensic(ctx context.Context, r *report.ForensicReport) error
}

// Managed adds the lifecycle state machine to a Transport.
type Managed struct {
	name      string
	logger    *slog.Logger
	transport Transport
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	state State
}

func NewManaged(logger *slog.Logger, name string, t Transport, m *metrics.Metrics) *Managed {
	return &Managed{
		name:      name,
		logger:    logger,
		transport: t,
		metrics:   m,
		state:     StateShutdown,
	}
}

func (m *Managed) Name() string {
	return m.name
}

func (m *Managed) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transport returns the wrapped transport.
func (m *Managed) Transport() Transport {
	return m.transport
}

// transition must be called with the write lock held.
func (m *Managed) transition(next State) error {
	if !m.state.IsValidTransition(next) {
		return fmt.Errorf("%w: sink %s can not go from %s to %s", ErrInvalidState, m.name, m.state, next)
	}
	m.logger.Debug("sink state change", slog.String("from", m.state.String()), slog.String("to", next.String()))
	m.state = next
	m.metrics.SetSinkState(m.name, int(next))
	return nil
}

func (m *Managed) Setup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transition(StateSettingUp); err != nil {
		return err
	}
	if err := m.transport.Open(ctx); err != nil {
		_ = m.transition(StateSetupError)
		return &SetupError{Sink: m.name, Err: err}
	}
	m.logger.Info("sink is running")
	return m.transition(StateRunning)
}

// Shutdown closes a running sink and resets sinks in an error state. It is
// a no-op for sinks that are already shut down.
func (m *Managed) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateShutdown:
		return nil
	case StateSetupError, StateShutdownError:
		return m.transition(StateShutdown)
	}

	if err := m.transition(StateShuttingDown); err != nil {
		return err
	}
	if err := m.transport.Close(ctx); err != nil {
		_ = m.transition(StateShutdownError)
		return fmt.Errorf("could not shut down sink %s: %w", m.name, err)
	}
	m.logger.Info("sink is shut down")
	return m.transition(StateShutdown)
}

func (m *Managed) deliver(reportType report.Kind, id string, fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var err error
	if m.state != StateRunning {
		err = fmt.Errorf("%w: sink is %s", ErrInvalidState, m.state)
	} else {
		err = fn()
	}
	m.metrics.SinkDelivery(m.name, string(reportType), err)
	if err != nil {
		return &DeliveryError{Sink: m.name, ReportID: id, Err: err}
	}
	return nil
}

func (m *Managed) ProcessAggregate(ctx context.Context, r *report.AggregateReport) error {
	return m.deliver(report.KindAggregate, r.ID(), func() error {
		return m.transport.Aggregate(ctx, r)
	})
}

func (m *Managed) ProcessForensic(ctx context.Context, r *report.ForensicReport) error {
	return m.deliver(report.KindForensic, r.ID(), func() error {
		return m.transport.Forensic(ctx, r)
	})
}

// Process dispatches r on its kind.
func Process(ctx context.Context, s Sink, r report.Report) error {
	switch v := r.(type) {
	case *report.AggregateReport:
		return s.ProcessAggregate(ctx, v)
	case *report.ForensicReport:
		return s.ProcessForensic(ctx, v)
	default:
		return fmt.Errorf("unsupported report type %T", r)
	}
}

// Factory creates a transport from its options.
type Factory func(logger *slog.Logger, options map[string]any) (Transport, error)

// Registry maps sink type names to their constructors.
type Registry struct {
	factories map[string]Factory
	metrics   *metrics.Metrics
}

// NewRegistry returns a registry holding all built in sink types.
func NewRegistry(m *metrics.Metrics) *Registry {
	r := &Registry{factories: make(map[string]Factory), metrics: m}
	r.Register("s3", NewS3FromOptions)
	r.Register("clickhouse", NewClickHouseFromOptions)
	r.Register("redis", NewRedisFromOptions)
	r.Register("syslog", NewSyslogFromOptions)
	r.Register("webhook", NewWebhookFromOptions)
	r.Register("database", NewDatabaseFromOptions)
	r.Register("elasticsearch", NewElasticsearchFromOptions)
	r.Register("console", NewConsoleFromOptions)
	r.Register("noop", NewNoopFromOptions)
	return r
}

func (r *Registry) Register(typ string, f Factory) {
	r.factories[typ] = f
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New creates a sink in StateShutdown.
func (r *Registry) New(logger *slog.Logger, c config.TransportConfig) (Sink, error) {
	f, ok := r.factories[c.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q for sink %s", ErrUnknownType, c.Type, c.Name)
	}
	logger = logger.With(slog.String("sink", c.Name))
	t, err := f(logger, c.Options)
	if err != nil {
		return nil, fmt.Errorf("could not create sink %s: %w", c.Name, err)
	}
	return NewManaged(logger, c.Name, t, r.metrics), nil
}
