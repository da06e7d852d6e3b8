package eager

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eager/runtime/eager/engine"
	"goa.design/eager/runtime/eager/engine/inmem"
)

var noSignals = WithSignalChannel(make(chan os.Signal))

func pipeline(ctx context.Context, s *Scope, args Args) (any, error) {
	x, err := s.Call(ctx, "add_one", Args{"x": args["x"]})
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, "double", Args{"x": x})
}

func pipelineNamespace() Namespace {
	return Namespace{"add_one": addOneTask(), "double": doubleTask()}
}

func TestLocalRunCallsEntitiesDirectly(t *testing.T) {
	d := newFakeDispatcher()
	r := New("demo.local", func(ctx context.Context, s *Scope, args Args) (any, error) {
		return s.Call(ctx, "add_one", Args{"x": args["x"]})
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), WithMode(engine.ModeLocal), noSignals)

	out, err := r.Run(context.Background(), Args{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, 4, out)
	assert.Empty(t, d.dispatches())
}

func TestLocalRunWithoutDispatcher(t *testing.T) {
	r := New("demo.local", pipeline, WithNamespace(pipelineNamespace()), noSignals)
	out, err := r.Run(context.Background(), Args{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, 8, out)
}

func TestLocalFailureIsWrapped(t *testing.T) {
	failing := NewTask("fails", func(context.Context, Args) (any, error) { return nil, errLocal })
	r := New("demo.local", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		return s.Call(ctx, "fails", nil)
	}, WithNamespace(Namespace{"fails": failing}), noSignals)

	_, err := r.Run(context.Background(), nil)
	var re *RemoteExecutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "fails", re.Entity)
	assert.Empty(t, re.ExecutionID)
	assert.ErrorIs(t, err, errLocal)
}

func TestRemoteSequentialDispatches(t *testing.T) {
	d := newFakeDispatcher().
		on("demo.add_one", succeedWith(plusOne)).
		on("demo.double", succeedWith(timesTwo))
	var stack *CallStack
	r := New("demo.pipeline", func(ctx context.Context, s *Scope, args Args) (any, error) {
		stack = s.CallStack()
		return pipeline(ctx, s, args)
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals)

	out, err := r.Run(context.Background(), Args{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, 8, out)

	reqs := d.dispatches()
	require.Len(t, reqs, 2)
	assert.Equal(t, "demo.add_one", reqs[0].Entity.Name)
	assert.Equal(t, "demo.double", reqs[1].Entity.Name)
	assert.Equal(t, map[string]any{"x": float64(3)}, reqs[0].Inputs)
	assert.Equal(t, map[string]any{"x": float64(4)}, reqs[1].Inputs)

	nodes := stack.Nodes()
	require.Len(t, nodes, 2)
	for i, n := range nodes {
		assert.Equal(t, i, n.Index())
		assert.Equal(t, reqs[i].ID, n.Handle().ID)
		assert.Equal(t, engine.PhaseSucceeded, n.Status().Phase)
		assert.Equal(t, "https://console.test/executions/"+reqs[i].ID, n.URL())
	}
	assert.Equal(t, map[string]any{"o0": float64(4)}, nodes[0].Outputs())
	assert.Zero(t, d.terminateCount())
}

func TestRemoteFailureSkipsTerminate(t *testing.T) {
	d := newFakeDispatcher().on("demo.add_one", failWith(engine.ErrorKindUser, "boom"))
	var stack *CallStack
	reported := false
	r := New("demo.pipeline", func(ctx context.Context, s *Scope, args Args) (any, error) {
		stack = s.CallStack()
		return pipeline(ctx, s, args)
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals,
		WithReporter(ReporterFunc(func(context.Context, *CallStack) error { reported = true; return nil })))

	_, err := r.Run(context.Background(), Args{"x": 3})
	var re *RemoteExecutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, engine.PhaseFailed, re.Phase)
	assert.Equal(t, &engine.ExecutionError{Kind: engine.ErrorKindUser, Message: "boom"}, re.ExecutionError())

	require.Equal(t, 1, stack.Len())
	node := stack.Nodes()[0]
	assert.Equal(t, engine.PhaseFailed, node.Status().Phase)
	assert.Nil(t, node.Outputs())
	assert.Equal(t, 1, d.syncCount(node.Handle().ID))
	assert.Zero(t, d.terminateCount())
	assert.False(t, reported)
}

func TestSignalTerminatesRunningNodes(t *testing.T) {
	sig := make(chan os.Signal, 1)
	d := newFakeDispatcher().on("demo.add_one", runForever)
	var stack atomic.Pointer[CallStack]
	r := New("demo.pipeline", func(ctx context.Context, s *Scope, args Args) (any, error) {
		stack.Store(s.CallStack())
		return pipeline(ctx, s, args)
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), WithSignalChannel(sig),
		WithPollPolicy(PollPolicy{Attempts: 1_000_000, Interval: time.Millisecond}))

	errc := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Args{"x": 1})
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(d.dispatches()) == 1 }, 5*time.Second, time.Millisecond)
	sig <- syscall.SIGTERM

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after termination signal")
	}
	assert.Equal(t, 1, d.terminateCount())
	node := stack.Load().Nodes()[0]
	assert.Equal(t, engine.PhaseAborted, node.Status().Phase)
	assert.Contains(t, d.reason(node.Handle().ID), "execution terminated by eager run demo-pipeline-")
}

func TestTerminateIsIdempotent(t *testing.T) {
	d := newFakeDispatcher().on("demo.add_one", runForever)
	r := New("demo.pipeline", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		f := s.Go(ctx, "add_one", Args{"x": 1})
		a, err := s.Entity("add_one")
		if err != nil {
			return nil, err
		}
		first, err := a.Terminate(ctx)
		if err != nil {
			return nil, err
		}
		second, err := a.Terminate(ctx)
		if err != nil {
			return nil, err
		}
		assert.Equal(t, first, second)
		assert.Equal(t, engine.PhaseAborted, second.Phase)
		_, err = f.Await(ctx)
		return nil, err
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), patientPoll, noSignals)

	_, err := r.Run(context.Background(), nil)
	var re *RemoteExecutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, engine.PhaseAborted, re.Phase)
	assert.Equal(t, 1, d.terminateCount())
}

func TestNamespaceIsNotMutated(t *testing.T) {
	add := addOneTask()
	ns := Namespace{"add_one": add, "factor": 3}
	d := newFakeDispatcher().on("demo.add_one", succeedWith(plusOne))

	for _, fail := range []bool{false, true} {
		var scope *Scope
		r := New("demo.ns", func(ctx context.Context, s *Scope, _ Args) (any, error) {
			scope = s
			v, err := s.Call(ctx, "add_one", Args{"x": 1})
			if fail {
				return nil, errLocal
			}
			return v, err
		}, WithNamespace(ns), WithDispatcher(d), fastPoll, noSignals)

		_, err := r.Run(context.Background(), nil)
		if fail {
			require.ErrorIs(t, err, errLocal)
		} else {
			require.NoError(t, err)
		}
		assert.Len(t, ns, 2)
		assert.Same(t, add, ns["add_one"])
		assert.Equal(t, 3, ns["factor"])

		_, err = scope.Call(context.Background(), "add_one", Args{"x": 1})
		require.ErrorIs(t, err, ErrScopeClosed)
		f := scope.Go(context.Background(), "add_one", Args{"x": 1})
		_, err = f.Await(context.Background())
		require.ErrorIs(t, err, ErrScopeClosed)
	}
}

func TestCleanupTerminatesEveryUnfinishedNode(t *testing.T) {
	d := newFakeDispatcher().
		on("demo.add_one", runForever).
		on("demo.double", succeedWith(timesTwo))
	var stack *CallStack
	r := New("demo.fanout", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		stack = s.CallStack()
		for i := range 3 {
			s.Go(ctx, "add_one", Args{"x": i})
		}
		return s.Call(ctx, "double", Args{"x": 2})
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals)

	out, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, out)
	require.Equal(t, 4, stack.Len())
	for _, n := range stack.Nodes() {
		assert.True(t, n.Status().Phase.IsTerminal(), n.Name())
	}
	assert.Equal(t, 3, d.terminateCount())
}

func TestFailurePropagatesAfterCleanup(t *testing.T) {
	broken := NewWorkflow("broken", func(context.Context, Args) (any, error) { return nil, nil }, WithModule("demo"))
	d := newFakeDispatcher().
		on("demo.add_one", runForever).
		on("demo.broken", failWith("ValueError", "bad value"))
	ns := pipelineNamespace()
	ns["broken"] = broken
	var stack *CallStack
	r := New("demo.nested", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		stack = s.CallStack()
		s.Go(ctx, "add_one", Args{"x": 1})
		return s.Call(ctx, "broken", nil)
	}, WithNamespace(ns), WithDispatcher(d), fastPoll, noSignals)

	_, err := r.Run(context.Background(), nil)
	var re *RemoteExecutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "demo.broken", re.Entity)
	assert.Equal(t, "ValueError", re.ExecutionError().Kind)
	assert.Equal(t, 1, d.terminateCount())
	assert.Equal(t, engine.PhaseAborted, stack.Nodes()[0].Status().Phase)
}

func TestPollTimeout(t *testing.T) {
	d := newFakeDispatcher().on("demo.add_one", runForever)
	r := New("demo.timeout", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		return s.Call(ctx, "add_one", Args{"x": 1})
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), noSignals,
		WithPollPolicy(PollPolicy{Attempts: 3, Interval: time.Millisecond}))

	_, err := r.Run(context.Background(), nil)
	var pe *PollTimeoutError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, engine.PhaseRunning, pe.LastPhase)
	assert.Equal(t, 1, d.terminateCount())
}

func TestSucceedsAfterSeveralPolls(t *testing.T) {
	d := newFakeDispatcher().on("demo.add_one", succeedAfter(3, map[string]any{"o0": 11.0}))
	obs := &recordingObserver{}
	r := New("demo.poll", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		return s.Call(ctx, "add_one", Args{"x": 10})
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals, WithObserver(obs))

	out, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 11, out)
	assert.Equal(t, []EventType{EventNodeDispatched, EventNodeUpdated, EventNodeUpdated, EventRunCompleted}, obs.types())
}

func TestDispatchErrors(t *testing.T) {
	errBackend := errors.New("backend unavailable")
	cases := []struct {
		name  string
		setup func(*fakeDispatcher)
		args  Args
		op    string
	}{
		{"dispatch", func(d *fakeDispatcher) { d.dispatchErr = errBackend }, Args{"x": 1}, "dispatch"},
		{"sync", func(d *fakeDispatcher) { d.syncErr = errBackend }, Args{"x": 1}, "sync"},
		{"wrong type", func(*fakeDispatcher) {}, Args{"x": "one"}, "validate"},
		{"missing input", func(*fakeDispatcher) {}, Args{}, "validate"},
		{"unknown input", func(*fakeDispatcher) {}, Args{"x": 1, "y": 2}, "validate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newFakeDispatcher().on("demo.add_one", succeedWith(plusOne))
			tc.setup(d)
			r := New("demo.errors", func(ctx context.Context, s *Scope, args Args) (any, error) {
				return s.Call(ctx, "add_one", args)
			}, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals)

			_, err := r.Run(context.Background(), tc.args)
			var de *DispatchError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.op, de.Op)
			assert.Equal(t, "demo.add_one", de.Entity)
			if tc.op == "validate" {
				assert.Empty(t, d.dispatches())
			}
		})
	}
}

type resolverFunc func(ctx context.Context, name string, kind engine.Kind) (engine.EntityRef, error)

func (f resolverFunc) Resolve(ctx context.Context, name string, kind engine.Kind) (engine.EntityRef, error) {
	return f(ctx, name, kind)
}

func TestResolution(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		d := newFakeDispatcher().on("demo.add_one", succeedWith(plusOne))
		r := New("demo.resolve", func(ctx context.Context, s *Scope, _ Args) (any, error) {
			return s.Call(ctx, "add_one", Args{"x": 1})
		}, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals,
			WithResolver(resolverFunc(func(_ context.Context, name string, _ engine.Kind) (engine.EntityRef, error) {
				return engine.EntityRef{}, engine.ErrEntityNotFound
			})))
		_, err := r.Run(context.Background(), nil)
		var nf *EntityNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "demo.add_one", nf.Name)
		assert.Equal(t, engine.KindTask, nf.Kind)
		assert.Empty(t, d.dispatches())
	})

	t.Run("resolved once per entity", func(t *testing.T) {
		var calls atomic.Int32
		d := newFakeDispatcher().on("demo.add_one", succeedWith(plusOne))
		r := New("demo.resolve", func(ctx context.Context, s *Scope, _ Args) (any, error) {
			if _, err := s.Call(ctx, "add_one", Args{"x": 1}); err != nil {
				return nil, err
			}
			return s.Call(ctx, "add_one", Args{"x": 2})
		}, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals,
			WithResolver(resolverFunc(func(_ context.Context, name string, kind engine.Kind) (engine.EntityRef, error) {
				calls.Add(1)
				return engine.EntityRef{Name: name, Kind: kind, Version: "v3"}, nil
			})))
		out, err := r.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, out)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, "v3", d.dispatches()[1].Entity.Version)
	})
}

func TestScopeBindings(t *testing.T) {
	helper := Func(func(ctx context.Context, args Args) (any, error) {
		s, ok := ScopeFromContext(ctx)
		if !ok {
			return nil, errors.New("no scope")
		}
		return s.Call(ctx, "add_one", args)
	})
	ns := Namespace{"add_one": addOneTask(), "helper": helper, "answer": 42}
	r := New("demo.bindings", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		v, ok := s.Value("answer")
		assert.True(t, ok)
		assert.Equal(t, 42, v)

		_, err := s.Call(ctx, "answer", nil)
		var ue *UnsupportedEntityError
		assert.ErrorAs(t, err, &ue)

		_, err = s.Call(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrNotBound)

		_, err = s.Go(ctx, "missing", nil).Await(ctx)
		assert.ErrorIs(t, err, ErrNotBound)

		return s.Go(ctx, "helper", Args{"x": 5}).Await(ctx)
	}, WithNamespace(ns), noSignals)

	out, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, out)
}

func TestReporterReceivesFinishedStack(t *testing.T) {
	d := newFakeDispatcher().
		on("demo.add_one", succeedWith(plusOne)).
		on("demo.double", succeedWith(timesTwo))
	var got []NodeSnapshot
	r := New("demo.report", pipeline, WithNamespace(pipelineNamespace()), WithDispatcher(d), fastPoll, noSignals,
		WithReporter(ReporterFunc(func(_ context.Context, s *CallStack) error {
			got = s.Snapshots()
			return errors.New("ignored")
		})))

	_, err := r.Run(context.Background(), Args{"x": 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Task", got[0].EntityType)
	assert.Equal(t, map[string]any{"x": float64(1)}, got[0].Inputs)
	assert.Equal(t, map[string]any{"o0": float64(4)}, got[1].Outputs)
}

func TestNestedEagerRunOnCluster(t *testing.T) {
	cluster := inmem.New()
	add := addOneTask()
	require.NoError(t, cluster.Register(add.Ref(), add.Handler()))

	var inner atomic.Pointer[CallStack]
	innerRunner := New("inner", func(ctx context.Context, s *Scope, args Args) (any, error) {
		inner.Store(s.CallStack())
		return s.Call(ctx, "add_one", Args{"x": args["x"]})
	}, WithNamespace(Namespace{"add_one": add}), WithDispatcher(cluster), patientPoll, noSignals,
		WithEntityOptions(WithModule("demo"), WithInputs(In[int]("x")), WithOutputs(Out[int]("o0"))))
	innerEntity := innerRunner.Entity()
	require.NoError(t, cluster.Register(innerEntity.Ref(), innerEntity.Handler()))

	var outer *CallStack
	outerRunner := New("demo.outer", func(ctx context.Context, s *Scope, args Args) (any, error) {
		outer = s.CallStack()
		return s.Call(ctx, "inner", Args{"x": args["x"]})
	}, WithNamespace(Namespace{"inner": innerEntity}), WithDispatcher(cluster), patientPoll, noSignals)

	out, err := outerRunner.Run(context.Background(), Args{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, 4, out)

	require.Equal(t, 1, outer.Len())
	node := outer.Nodes()[0]
	assert.Equal(t, "Eager Workflow", node.Snapshot().EntityType)
	assert.Equal(t, "demo.inner", node.Name())

	in := inner.Load()
	require.NotNil(t, in)
	assert.Equal(t, "demo.inner", in.ParentTaskID())
	assert.Equal(t, node.Handle().ID, in.ParentExecutionID())
	assert.Equal(t, 1, in.Len())
}

func TestCanceledContextStopsPolling(t *testing.T) {
	d := newFakeDispatcher().on("demo.add_one", runForever)
	ctx, cancel := context.WithCancel(context.Background())
	r := New("demo.cancel", func(ctx context.Context, s *Scope, _ Args) (any, error) {
		f := s.Go(ctx, "add_one", Args{"x": 1})
		cancel()
		return f.Await(context.Background())
	}, WithNamespace(pipelineNamespace()), WithDispatcher(d), noSignals,
		WithPollPolicy(PollPolicy{Attempts: 1_000_000, Interval: time.Millisecond}))

	_, err := r.Run(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, d.terminateCount())
}

func TestNestedRunMode(t *testing.T) {
	local, remote := engine.ModeLocal, engine.ModeRemote
	cases := []struct {
		name           string
		outerMode      *engine.Mode
		innerOpts      []Option
		wantDispatches int
		wantParentTask string
	}{
		{"local parent keeps nested run local", &local, nil, 0, "demo.inner"},
		{"nested option overrides local parent", &local, []Option{WithMode(engine.ModeRemote)}, 1, "demo.inner"},
		{"remote parent in process stays local", &remote, nil, 0, "demo.inner"},
		{"top-level run with dispatcher is remote", nil, nil, 1, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newFakeDispatcher().on("demo.add_one", succeedWith(plusOne))
			var inner atomic.Pointer[CallStack]
			opts := append([]Option{
				WithNamespace(Namespace{"add_one": addOneTask()}), WithDispatcher(d), fastPoll, noSignals,
				WithEntityOptions(WithModule("demo"), WithInputs(In[int]("x")), WithOutputs(Out[int]("o0"))),
			}, tc.innerOpts...)
			innerRunner := New("inner", func(ctx context.Context, s *Scope, args Args) (any, error) {
				inner.Store(s.CallStack())
				return s.Call(ctx, "add_one", Args{"x": args["x"]})
			}, opts...)

			var (
				out any
				err error
			)
			if tc.outerMode == nil {
				out, err = innerRunner.Run(context.Background(), Args{"x": 3})
			} else {
				// The outer run has no dispatcher so its entities run in-process
				// whatever its mode.
				outer := New("demo.outer", func(ctx context.Context, s *Scope, args Args) (any, error) {
					return s.Call(ctx, "inner", args)
				}, WithNamespace(Namespace{"inner": innerRunner.Entity()}), WithMode(*tc.outerMode), noSignals)
				out, err = outer.Run(context.Background(), Args{"x": 3})
			}

			require.NoError(t, err)
			assert.EqualValues(t, 4, out)
			assert.Len(t, d.dispatches(), tc.wantDispatches)
			require.NotNil(t, inner.Load())
			assert.Equal(t, tc.wantParentTask, inner.Load().ParentTaskID())
		})
	}
}

func TestSignalSet(t *testing.T) {
	cases := []struct {
		name    string
		signals []os.Signal
		send    syscall.Signal
		wantErr error
	}{
		{"empty set ignores process signals", nil, syscall.SIGURG, nil},
		{"listed signal cancels the run", []os.Signal{syscall.SIGUSR1}, syscall.SIGUSR1, context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			started := make(chan struct{})
			r := New("demo.signals", func(ctx context.Context, _ *Scope, _ Args) (any, error) {
				close(started)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(300 * time.Millisecond):
					return "done", nil
				}
			}, WithSignals(tc.signals...))

			errc := make(chan error, 1)
			go func() {
				_, err := r.Run(context.Background(), nil)
				errc <- err
			}()
			<-started
			require.NoError(t, syscall.Kill(os.Getpid(), tc.send))

			select {
			case err := <-errc:
				if tc.wantErr == nil {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, tc.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("run did not return")
			}
		})
	}
}

func TestCallEntity(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		r := New("demo.call_entity", func(ctx context.Context, s *Scope, _ Args) (any, error) {
			return s.CallEntity(ctx, addOneTask(), Args{"x": 1})
		}, noSignals)
		out, err := r.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, out)
	})
	t.Run("remote", func(t *testing.T) {
		d := newFakeDispatcher().on("demo.add_one", succeedWith(plusOne))
		r := New("demo.call_entity", func(ctx context.Context, s *Scope, _ Args) (any, error) {
			return s.CallEntity(ctx, addOneTask(), Args{"x": 1})
		}, WithDispatcher(d), fastPoll, noSignals)
		out, err := r.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.EqualValues(t, 2, out)
		require.Len(t, d.dispatches(), 1)
		assert.Equal(t, "demo.add_one", d.dispatches()[0].Entity.Name)
	})
	t.Run("nil entity", func(t *testing.T) {
		r := New("demo.call_entity", func(ctx context.Context, s *Scope, _ Args) (any, error) {
			return s.CallEntity(ctx, nil, nil)
		}, noSignals)
		_, err := r.Run(context.Background(), nil)
		var ue *UnsupportedEntityError
		assert.ErrorAs(t, err, &ue)
	})
}

func TestGoRecoversLocalPanics(t *testing.T) {
	explode := func(context.Context, Args) (any, error) { panic("kaboom") }
	cases := []struct {
		name    string
		binding any
		entity  string
	}{
		{"entity", NewTask("explode", explode), "explode"},
		{"func binding", Func(explode), "explode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New("demo.panics", func(ctx context.Context, s *Scope, _ Args) (any, error) {
				return s.Go(ctx, "explode", nil).Await(ctx)
			}, WithNamespace(Namespace{"explode": tc.binding}), noSignals)

			_, err := r.Run(context.Background(), nil)
			var re *RemoteExecutionError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tc.entity, re.Entity)
			assert.ErrorContains(t, err, "panic: kaboom")
		})
	}
}
