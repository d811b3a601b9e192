package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// stubUnit returns a fixed output state or error.
type stubUnit struct {
	name        string
	write       func(domain.State) domain.State
	err         error
	validateErr error
	gotCtx      context.Context
}

func (s *stubUnit) Name() string { return s.name }

func (s *stubUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	s.gotCtx = ctx
	if s.err != nil {
		return state, s.err
	}
	if s.write != nil {
		return s.write(state), nil
	}
	return state, nil
}

func (s *stubUnit) Validate() error { return s.validateErr }

// recordingMetrics captures every call made to it.
type recordingMetrics struct {
	mu         sync.Mutex
	latencies  []string
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
	labels     []map[string]string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (r *recordingMetrics) RecordLatency(op string, _ time.Duration, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, labels["stage"]+"/"+op)
	r.labels = append(r.labels, labels)
}

func (r *recordingMetrics) RecordCounter(metric string, v float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metric
	if s := labels["status"]; s != "" {
		key += "/" + s
	}
	r.counters[key] += v
	r.labels = append(r.labels, labels)
}

func (r *recordingMetrics) RecordGauge(metric string, v float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metric
	if y := labels["year"]; y != "" {
		key += "/" + y
	}
	r.gauges[key] = v
}

func (r *recordingMetrics) RecordHistogram(metric string, v float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[metric] = append(r.histograms[metric], v)
}

var _ ports.MetricsCollector = (*recordingMetrics)(nil)

// ctxMarker lets the test check that PreExecute's context reaches the unit.
type ctxMarker struct{}

type markingObserver struct {
	pre, post int
	lastErr   error
}

func (m *markingObserver) PreExecute(ctx context.Context, _ domain.State) context.Context {
	m.pre++
	return context.WithValue(ctx, ctxMarker{}, "observed")
}

func (m *markingObserver) PostExecute(ctx context.Context, _, _ domain.State, _ time.Duration, err error) {
	m.post++
	m.lastErr = err
}

func TestInstrumentedUnit_Execute(t *testing.T) {
	key := domain.NewKey[int]("test.out")
	next := &stubUnit{name: "agg", write: func(s domain.State) domain.State { return domain.With(s, key, 7) }}
	obs := &markingObserver{}
	iu := NewInstrumentedUnit("aggregate", next, obs, nil)

	assert.Equal(t, "agg", iu.Name())
	assert.Equal(t, "aggregate", iu.Stage())
	assert.Same(t, next, iu.Unwrap())

	out, err := iu.Execute(context.Background(), domain.NewState())
	require.NoError(t, err)
	v, _ := domain.Get(out, key)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, obs.pre)
	assert.Equal(t, 1, obs.post)
	assert.Equal(t, "observed", next.gotCtx.Value(ctxMarker{}))
}

func TestInstrumentedUnit_ExecuteError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	boom := errors.New("no current map")
	obs := &markingObserver{}
	iu := NewInstrumentedUnit("remap", &stubUnit{name: "remap", err: boom}, obs, logging.NewWithCore(core))

	_, err := iu.Execute(context.Background(), domain.NewState())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, obs.lastErr, boom)

	failed := logs.FilterMessage("stage failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "remap", failed[0].ContextMap()["stage"])
}

func TestInstrumentedUnit_NilObserver(t *testing.T) {
	iu := NewInstrumentedUnit("pvi", &stubUnit{name: "pvi"}, nil, nil)
	_, err := iu.Execute(context.Background(), domain.NewState())
	assert.NoError(t, err)
}

func TestInstrumentedUnit_Validate(t *testing.T) {
	invalid := errors.New("bad config")
	assert.ErrorIs(t, NewInstrumentedUnit("pvi", &stubUnit{name: "pvi", validateErr: invalid}, nil, nil).Validate(), invalid)
	assert.Error(t, NewInstrumentedUnit("", &stubUnit{name: "pvi"}, nil, nil).Validate())
	assert.NoError(t, NewInstrumentedUnit("pvi", &stubUnit{name: "pvi"}, nil, nil).Validate())
	assert.Panics(t, func() { NewInstrumentedUnit("pvi", nil, nil, nil) })
}

func TestInstrument(t *testing.T) {
	metrics := newRecordingMetrics()
	mw := Instrument(metrics, logging.Nop())

	u := mw("baseline", &stubUnit{name: "base", write: func(s domain.State) domain.State {
		return domain.With(s, domain.KeyBaselines, map[int]domain.YearBaseline{
			2020: {Year: 2020, Tilt: 3.5},
			2022: {Year: 2022, Tilt: -1},
		})
	}})
	iu, ok := u.(*InstrumentedUnit)
	require.True(t, ok)
	assert.Equal(t, "baseline", iu.Stage())

	_, err := u.Execute(context.Background(), domain.NewState())
	require.NoError(t, err)
	assert.Equal(t, []string{"baseline/" + MetricStageDuration}, metrics.latencies)
	assert.InDelta(t, 3.5, metrics.gauges[MetricBaselineTilt+"/2020"], 1e-9)
	assert.InDelta(t, -1, metrics.gauges[MetricBaselineTilt+"/2022"], 1e-9)
	assert.InDelta(t, 2, metrics.counters[MetricRecords], 1e-9)
	assert.InDelta(t, 1, metrics.counters[MetricStageDuration], 1e-9)
}

func TestOTelStageObserver_Outputs(t *testing.T) {
	k1 := domain.DistrictKey{County: "Coos", Number: "1"}
	k2 := domain.DistrictKey{County: "Coos", Number: "2"}

	tests := []struct {
		stage string
		in    domain.State
		out   domain.State
		check func(t *testing.T, m *recordingMetrics)
	}{
		{
			stage: "normalize",
			in:    domain.NewState(),
			out: domain.With(domain.NewState(), domain.KeyNormalizedRecords,
				[]domain.VoteRecord{{Town: "a"}, {Town: "b"}, {Town: "c"}}),
			check: func(t *testing.T, m *recordingMetrics) {
				assert.InDelta(t, 3, m.counters[MetricRecords], 1e-9)
			},
		},
		{
			stage: "remap",
			in:    domain.NewState(),
			out: domain.With(
				domain.With(domain.NewState(), domain.KeyCurrentMap, domain.DistrictMap{
					Name: "current", Districts: map[domain.DistrictKey]domain.District{k1: {}, k2: {}},
				}),
				domain.KeyClassifications, map[int]domain.Classification{
					2020: {Year: 2020, ExactMatches: map[domain.DistrictKey]domain.DistrictKey{k1: k1}},
				}),
			check: func(t *testing.T, m *recordingMetrics) {
				assert.InDelta(t, 2, m.counters[MetricRecords], 1e-9)
				assert.InDelta(t, 1, m.gauges["exact_matches/2020"], 1e-9)
			},
		},
		{
			stage: "aggregate",
			in: domain.With(domain.NewState(), domain.KeyDiagnostics, domain.Diagnostics{
				Unmatched: []domain.UnmatchedTown{{Votes: 10}},
			}),
			out: domain.With(
				domain.With(domain.NewState(), domain.KeyDiagnostics, domain.Diagnostics{
					Unmatched: []domain.UnmatchedTown{{Votes: 10}, {Votes: 40}, {Votes: 2}},
				}),
				domain.KeyCurrentAggregates, map[int]map[domain.DistrictKey]domain.DistrictAggregate{
					2020: {k1: {}, k2: {}},
				}),
			check: func(t *testing.T, m *recordingMetrics) {
				assert.InDelta(t, 2, m.counters[MetricUnmatchedTowns], 1e-9)
				assert.InDelta(t, 42, m.counters[MetricExcludedVotes], 1e-9)
				assert.InDelta(t, 2, m.counters[MetricRecords], 1e-9)
			},
		},
		{
			stage: "allocate",
			in:    domain.NewState(),
			out: domain.With(
				domain.With(domain.NewState(), domain.KeyAllocations, map[int]map[domain.DistrictKey]domain.SeatAllocation{
					2020: {k1: {}}, 2022: {k1: {}, k2: {}},
				}),
				domain.KeyAllocationFailures, []domain.AllocationFailure{{Key: k2, Year: 2020, Message: "mismatch"}}),
			check: func(t *testing.T, m *recordingMetrics) {
				assert.InDelta(t, 3, m.counters[MetricRecords], 1e-9)
				assert.InDelta(t, 1, m.counters[MetricAllocationFailures], 1e-9)
			},
		},
		{
			stage: "pvi",
			in:    domain.NewState(),
			out: domain.With(domain.NewState(), domain.KeyPviRecords, []domain.PviRecord{
				{Key: k1, Lean: 12, IsCompetitive: false},
				{Key: k2, Lean: -2, IsCompetitive: true},
			}),
			check: func(t *testing.T, m *recordingMetrics) {
				assert.Equal(t, []float64{12, -2}, m.histograms[MetricDistrictLean])
				assert.InDelta(t, 1, m.gauges["competitive_districts"], 1e-9)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			m := newRecordingMetrics()
			o := NewOTelStageObserver(m, tt.stage, tt.stage+"1")
			ctx := o.PreExecute(context.Background(), tt.in.WithExecutionContext(domain.ExecutionContext{RunID: "r"}))
			o.PostExecute(ctx, tt.in, tt.out, time.Millisecond, nil)
			tt.check(t, m)
			for _, l := range m.labels {
				assert.Equal(t, tt.stage+"1", l["unit"])
			}
		})
	}
}

func TestOTelStageObserver_Error(t *testing.T) {
	m := newRecordingMetrics()
	o := NewOTelStageObserver(m, "allocate", "alloc")
	ctx := o.PreExecute(context.Background(), domain.NewState())
	o.PostExecute(ctx, domain.NewState(), domain.NewState(), time.Millisecond, errors.New("boom"))

	assert.InDelta(t, 1, m.counters[MetricStageDuration+"/error"], 1e-9)
	assert.Zero(t, m.counters[MetricRecords])
}

func TestOTelStageObserver_NilMetrics(t *testing.T) {
	o := NewOTelStageObserver(nil, "pvi", "pvi")
	out := domain.With(domain.NewState(), domain.KeyPviRecords, []domain.PviRecord{{Lean: 1}})
	assert.NotPanics(t, func() {
		ctx := o.PreExecute(context.Background(), domain.NewState())
		o.PostExecute(ctx, domain.NewState(), out, 0, nil)
	})
}
