// Package source implements the transports raw DMARC report messages are
// collected from.
package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

var (
	// ErrFolderNotFound is returned when a configured folder, directory or
	// queue does not exist.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrAuthentication is returned when the transport rejected the
	// credentials. It ends a Watch loop.
	ErrAuthentication = errors.New("authentication failed")
	// ErrUnknownType is returned by the registry for unregistered types.
	ErrUnknownType = errors.New("unknown source type")
)

// Message is one raw report message. ID is only meaningful to the source
// that produced it.
type Message struct {
	ID   string
	Data []byte
}

// Outcome tells a source what happened to a message.
type Outcome struct {
	processed bool
	kind      report.Kind
}

// Failed marks a message that could not be parsed.
var Failed = Outcome{}

// Processed marks a message whose report of the given kind was delivered.
func Processed(kind report.Kind) Outcome {
	return Outcome{processed: true, kind: kind}
}

func (o Outcome) IsProcessed() bool {
	return o.processed
}

func (o Outcome) Kind() report.Kind {
	return o.kind
}

func (o Outcome) String() string {
	if !o.processed {
		return "failed"
	}
	return string(o.kind)
}

// Source is a collection transport.
type Source interface {
	Name() string
	// Fetch returns the messages currently available. Every call queries
	// the transport again. Iteration stops after the first error.
	Fetch(ctx context.Context) iter.Seq2[Message, error]
	// Acknowledge archives, deletes or keeps a fetched message according to
	// the outcome and the configured policy. It must be called while the
	// sequence that produced the message is still being iterated.
	Acknowledge(ctx context.Context, id string, outcome Outcome) error
	Close() error
}

// FailurePolicy decides what happens to messages that could not be parsed.
type FailurePolicy string

const (
	// FailureMove moves failed messages to an error folder.
	FailureMove FailurePolicy = "move"
	// FailureLeave keeps failed messages in place for a later retry.
	FailureLeave FailurePolicy = "leave"
)

// Factory creates a source from its decoded options.
type Factory func(logger *slog.Logger, name string, options map[string]any) (Source, error)

// Registry maps source type names to their constructors.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding all built in source types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("imap", NewIMAPFromOptions)
	r.Register("graph", NewGraphFromOptions)
	r.Register("sqs", NewSQSFromOptions)
	r.Register("directory", NewDirectoryFromOptions)
	r.Register("generator", NewGeneratorFromOptions)
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

func (r *Registry) New(logger *slog.Logger, c config.TransportConfig) (Source, error) {
	f, ok := r.factories[c.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q for source %s", ErrUnknownType, c.Type, c.Name)
	}
	s, err := f(logger.With(slog.String("source", c.Name)), c.Name, c.Options)
	if err != nil {
		return nil, fmt.Errorf("could not create source %s: %w", c.Name, err)
	}
	return s, nil
}

// Handler is invoked for every fetched message.
type Handler func(ctx context.Context, src Source, msg Message)

// Poll fetches once and hands every message to handler in the order the
// source returned them. The fetch error, if any, is returned.
func Poll(ctx context.Context, src Source, handler Handler) error {
	for msg, err := range src.Fetch(ctx) {
		if err != nil {
			return err
		}
		handler(ctx, src, msg)
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// Watch polls src immediately and then every interval until ctx is done.
// Transport errors are logged and polling continues, authentication errors
// end the loop and are returned.
func Watch(ctx context.Context, logger *slog.Logger, src Source, interval time.Duration, handler Handler) error {
	run := func() error {
		logger.Info("starting new run", slog.String("source", src.Name()))
		err := Poll(ctx, src, handler)
		switch {
		case err == nil:
			logger.Info("run finished", slog.String("source", src.Name()))
		case errors.Is(err, ErrAuthentication):
			return err
		case ctx.Err() != nil:
		default:
			// only log the error here so we keep the loop running
			logger.Error("fetch failed", slog.String("source", src.Name()), slog.String("err", err.Error()))
		}
		return nil
	}

	// run immediately, the ticker first fires after one interval
	if err := run(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("context done", slog.String("source", src.Name()))
			return nil
		case <-ticker.C:
			if err := run(); err != nil {
				return err
			}
		}
	}
}
