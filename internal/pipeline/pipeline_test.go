package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcpipeline/internal/convert"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/metrics"
	"github.com/firefart/dmarcpipeline/internal/report"
	"github.com/firefart/dmarcpipeline/internal/sink"
	"github.com/firefart/dmarcpipeline/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newParser(m *metrics.Metrics) *dmarc.Parser {
	return dmarc.NewParser(discardLogger(), dmarc.Options{Offline: true, Metrics: m})
}

// recordingTransport keeps the ids of every delivered report and fails
// when err is set.
type recordingTransport struct {
	err     error
	openErr error

	mu  sync.Mutex
	ids []string
}

func (r *recordingTransport) Open(context.Context) error  { return r.openErr }
func (r *recordingTransport) Close(context.Context) error { return nil }

func (r *recordingTransport) record(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingTransport) Aggregate(_ context.Context, rep *report.AggregateReport) error {
	return r.record(rep.ID())
}

func (r *recordingTransport) Forensic(_ context.Context, rep *report.ForensicReport) error {
	return r.record(rep.ID())
}

func (r *recordingTransport) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newGenerator(kind, mode string, count int) *source.Generator {
	opts := source.DefaultGeneratorOptions()
	opts.Kind = kind
	opts.Mode = mode
	opts.Count = count
	return source.NewGenerator(discardLogger(), "gen", opts)
}

func startPipeline(t *testing.T, m *metrics.Metrics, policy AckPolicy, transports ...sink.Transport) *Pipeline {
	t.Helper()

	sinks := make([]sink.Sink, 0, len(transports))
	for i, tr := range transports {
		sinks = append(sinks, sink.NewManaged(discardLogger(), fmt.Sprintf("sink-%d", i), tr, m))
	}
	p := New(discardLogger(), newParser(m), sinks, Options{AckPolicy: policy, Metrics: m})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, p.Stop(context.Background()))
	})
	return p
}

func TestRunOnceAggregate(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	var out bytes.Buffer
	rec := &recordingTransport{}
	p := startPipeline(t, m, AckAll, rec, sink.NewConsole(discardLogger(), &out, sink.ConsoleOptions{}))
	gen := newGenerator("aggregate", "static", 3)

	require.NoError(t, p.RunOnce(context.Background(), gen))

	// reports reach the sinks in source order
	assert.Equal(t, []string{"gen-0", "gen-1", "gen-2"}, rec.delivered())
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 3)

	acks := gen.Acknowledged()
	require.Len(t, acks, 3)
	for _, outcome := range acks {
		assert.Equal(t, source.Processed(report.KindAggregate), outcome)
	}
	assert.InDelta(t, 3, testutil.ToFloat64(m.MessagesFetched.WithLabelValues("gen")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ReportsParsed.WithLabelValues("aggregate")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.Acknowledgements.WithLabelValues("gen", "aggregate")), 0)
}

func TestRunOnceForensic(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	p := startPipeline(t, nil, AckAll, rec)
	gen := newGenerator("forensic", "static", 2)

	require.NoError(t, p.RunOnce(context.Background(), gen))
	assert.Len(t, rec.delivered(), 2)
	for _, outcome := range gen.Acknowledged() {
		assert.Equal(t, source.Processed(report.KindForensic), outcome)
	}
}

func TestRunOnceMalformed(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &recordingTransport{}
	p := startPipeline(t, m, AckAll, rec)
	gen := newGenerator("aggregate", "malformed", 3)

	require.NoError(t, p.RunOnce(context.Background(), gen))

	assert.Empty(t, rec.delivered())
	acks := gen.Acknowledged()
	require.Len(t, acks, 3)
	for _, outcome := range acks {
		assert.Equal(t, source.Failed, outcome)
	}
	assert.InDelta(t, 3, testutil.ToFloat64(m.Acknowledgements.WithLabelValues("gen", "failed")), 0)

	var failed float64
	for _, kind := range []string{"invalid_aggregate_report", "invalid_archive", "invalid_report", "email_parser", "unsupported_format"} {
		failed += testutil.ToFloat64(m.MessagesFailed.WithLabelValues("gen", kind))
	}
	assert.InDelta(t, 3, failed, 0)
}

func TestDeliveryFailureLeavesMessage(t *testing.T) {
	t.Parallel()

	good := &recordingTransport{}
	bad := &recordingTransport{err: errors.New("bucket is gone")}
	p := startPipeline(t, nil, AckAll, good, bad)
	gen := newGenerator("aggregate", "static", 2)

	require.NoError(t, p.RunOnce(context.Background(), gen))

	// the healthy sink still receives every report
	assert.Len(t, good.delivered(), 2)
	assert.Empty(t, gen.Acknowledged())
}

func TestAckPolicyAny(t *testing.T) {
	t.Parallel()

	good := &recordingTransport{}
	bad := &recordingTransport{err: errors.New("bucket is gone")}
	p := startPipeline(t, nil, AckAny, bad, good)
	gen := newGenerator("aggregate", "static", 2)

	require.NoError(t, p.RunOnce(context.Background(), gen))
	assert.Len(t, good.delivered(), 2)
	assert.Len(t, gen.Acknowledged(), 2)

	allBad := &recordingTransport{err: errors.New("down")}
	p = startPipeline(t, nil, AckAny, allBad)
	gen = newGenerator("aggregate", "static", 1)
	require.NoError(t, p.RunOnce(context.Background(), gen))
	assert.Empty(t, gen.Acknowledged())
}

func TestStartSkipsFailedSinks(t *testing.T) {
	t.Parallel()

	good := &recordingTransport{}
	broken := &recordingTransport{openErr: errors.New("connection refused")}
	p := startPipeline(t, nil, AckAll, broken, good)
	gen := newGenerator("aggregate", "static", 1)

	// the broken sink is not running and is not part of the ack decision
	require.NoError(t, p.RunOnce(context.Background(), gen))
	assert.Equal(t, []string{"gen-0"}, good.delivered())
	assert.Len(t, gen.Acknowledged(), 1)
}

func TestStartNoSinks(t *testing.T) {
	t.Parallel()

	p := New(discardLogger(), newParser(nil), nil, Options{})
	require.ErrorIs(t, p.Start(context.Background()), ErrNoSinks)

	broken := sink.NewManaged(discardLogger(), "broken", &recordingTransport{openErr: errors.New("refused")}, nil)
	p = New(discardLogger(), newParser(nil), []sink.Sink{broken}, Options{})
	err := p.Start(context.Background())
	require.ErrorIs(t, err, ErrNoSinks)
	var setupErr *sink.SetupError
	require.ErrorAs(t, err, &setupErr)
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, sink.StateShutdown, broken.State())
}

func TestDeliverWithoutRunningSinks(t *testing.T) {
	t.Parallel()

	s := sink.NewManaged(discardLogger(), "idle", &recordingTransport{}, nil)
	p := New(discardLogger(), newParser(nil), []sink.Sink{s}, Options{})
	n, err := p.Deliver(context.Background(), &report.AggregateReport{})
	require.ErrorIs(t, err, ErrNoSinks)
	assert.Equal(t, 0, n)
}

func TestWatch(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	p := startPipeline(t, nil, AckAll, rec)
	gen := newGenerator("aggregate", "static", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Watch(ctx, gen, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return len(rec.delivered()) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

// deniedSource fails every fetch with an authentication error.
type deniedSource struct{}

func (deniedSource) Name() string { return "denied" }

func (deniedSource) Fetch(context.Context) iter.Seq2[source.Message, error] {
	return func(yield func(source.Message, error) bool) {
		yield(source.Message{}, fmt.Errorf("login: %w", source.ErrAuthentication))
	}
}

func (deniedSource) Acknowledge(context.Context, string, source.Outcome) error { return nil }

func (deniedSource) Close() error { return nil }

func TestRunSourcesKeepsHealthySources(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	p := startPipeline(t, nil, AckAll, rec)
	gen := newGenerator("aggregate", "static", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- p.RunSources(ctx, []source.Source{deniedSource{}, gen}, 10*time.Millisecond)
	}()

	// the generator delivers one report per tick, later ticks happen after
	// the denied source already stopped
	require.Eventually(t, func() bool {
		return len(rec.delivered()) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("sources stopped early: %v", err)
	default:
	}
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, source.ErrAuthentication)
		require.ErrorContains(t, err, "source denied")
	case <-time.After(5 * time.Second):
		t.Fatal("sources did not stop")
	}
}

func TestRunSourcesOnce(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	p := startPipeline(t, nil, AckAll, rec)

	err := p.RunSources(context.Background(), []source.Source{
		newGenerator("aggregate", "static", 2),
		newGenerator("forensic", "static", 1),
	}, 0)
	require.NoError(t, err)
	assert.Len(t, rec.delivered(), 3)
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"conversion", &dmarc.EmailParserError{Err: fmt.Errorf("msgconvert: %w", convert.ErrConversion)}, "conversion"},
		{"email", &dmarc.EmailParserError{Err: errors.New("bad header")}, "email_parser"},
		{"archive", fmt.Errorf("read: %w", &dmarc.InvalidArchiveError{Err: errors.New("zip: not a valid zip file")}), "invalid_archive"},
		{"format", dmarc.ErrUnsupportedFormat, "unsupported_format"},
		{"aggregate", fmt.Errorf("x: %w", dmarc.ErrInvalidAggregateReport), "invalid_aggregate_report"},
		{"forensic", dmarc.ErrInvalidForensicReport, "invalid_forensic_report"},
		{"report", dmarc.ErrInvalidReport, "invalid_report"},
		{"auth", fmt.Errorf("login: %w", source.ErrAuthentication), "authentication"},
		{"folder", source.ErrFolderNotFound, "folder_not_found"},
		{"setup", &sink.SetupError{Sink: "s3", Err: errors.New("x")}, "setup"},
		{"state", &sink.DeliveryError{Sink: "s3", Err: sink.ErrInvalidState}, "invalid_state"},
		{"delivery", &sink.DeliveryError{Sink: "s3", Err: errors.New("x")}, "delivery"},
		{"no sinks", ErrNoSinks, "no_sinks"},
		{"canceled", context.Canceled, "canceled"},
		{"unknown", errors.New("boom"), "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ErrorKind(tc.err))
		})
	}
}
