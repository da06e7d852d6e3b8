/*
Package eager runs ordinary Go functions as orchestration programs whose
calls to tasks and workflows execute on a remote cluster.

A Runner wraps a RunFunc. During Run, every *Entity bound in the runner's
Namespace is reachable through the Scope handed to the function; calling it
dispatches an execution through an engine.Dispatcher, polls it to completion
and returns its outputs as local values:

	addOne := eager.NewTask("add_one", addOneFn,
		eager.WithModule("demo"),
		eager.WithInputs(eager.In[int]("x")),
		eager.WithOutputs(eager.Out[int]("o0")))

	r := eager.New("pipeline", func(ctx context.Context, s *eager.Scope, args eager.Args) (any, error) {
		return s.Call(ctx, "add_one", eager.Args{"x": args["x"]})
	},
		eager.WithNamespace(eager.Namespace{"add_one": addOne}),
		eager.WithDispatcher(cluster))

	out, err := r.Run(ctx, eager.Args{"x": 3})

Each dispatch is recorded as an AsyncNode in the run's CallStack. When the
function returns, fails or the process receives SIGTERM, every execution that
has not reached a terminal phase is terminated exactly once before Run
returns. In local mode entity functions are called in-process and nothing is
dispatched.
*/
package eager
