package callrecord_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/callrecord"
	recinmem "goa.design/eager/runtime/eager/callrecord/inmem"
	"goa.design/eager/runtime/eager/engine/inmem"
	"goa.design/eager/runtime/eager/telemetry"
)

type failingStore struct{ callrecord.Store }

func (failingStore) Append(context.Context, *callrecord.Record) error {
	return errors.New("unavailable")
}

type warnLogger struct {
	telemetry.Logger
	warned int
}

func (l *warnLogger) Warn(context.Context, string, ...any) { l.warned++ }

func TestRecorderRecordsRun(t *testing.T) {
	cluster := inmem.New()
	add := eager.NewTask("add_one", func(_ context.Context, args eager.Args) (any, error) {
		x, err := eager.Arg[int](args, "x")
		if err != nil {
			return nil, err
		}
		return x + 1, nil
	}, eager.WithModule("demo"), eager.WithInputs(eager.In[int]("x")))
	require.NoError(t, cluster.Register(add.Ref(), add.Handler()))

	store := recinmem.New()
	var runID string
	r := eager.New("demo.recorded", func(ctx context.Context, s *eager.Scope, _ eager.Args) (any, error) {
		runID = s.CallStack().RunID()
		return s.Call(ctx, "add_one", eager.Args{"x": 1})
	},
		eager.WithNamespace(eager.Namespace{"add_one": add}),
		eager.WithDispatcher(cluster),
		eager.WithObserver(callrecord.NewRecorder(store, nil)),
		eager.WithPollPolicy(eager.PollPolicy{Attempts: 10000, Interval: time.Millisecond}),
		eager.WithSignalChannel(make(chan os.Signal)))
	out, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	recs, err := callrecord.ListAll(context.Background(), store, runID, 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recs), 3)

	first, last := recs[0], recs[len(recs)-1]
	assert.Equal(t, eager.EventNodeDispatched, first.Type)
	assert.Equal(t, "demo.add_one", first.Entity)
	assert.Equal(t, 0, first.NodeIndex)
	assert.NotEmpty(t, first.ExecutionID)
	assert.Equal(t, eager.EventRunCompleted, last.Type)
	assert.Equal(t, -1, last.NodeIndex)

	ev, err := first.Event()
	require.NoError(t, err)
	assert.Equal(t, runID, ev.RunID)
	assert.Equal(t, first.ExecutionID, ev.Node.ExecutionID)
}

func TestRecorderLogsAppendFailures(t *testing.T) {
	l := &warnLogger{Logger: telemetry.NewNoopLogger()}
	rec := callrecord.NewRecorder(failingStore{}, l)
	rec.Observe(context.Background(), eager.NodeEvent{Type: eager.EventRunCompleted, RunID: "r"})
	assert.Equal(t, 1, l.warned)
}
