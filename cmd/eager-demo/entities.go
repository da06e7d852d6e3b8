package main

import (
	"context"
	"errors"
	"fmt"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/registry"
)

const module = "demo"

func addOne() *eager.Entity {
	return eager.NewTask("add_one", func(_ context.Context, args eager.Args) (any, error) {
		x, err := eager.Arg[int](args, "x")
		if err != nil {
			return nil, err
		}
		return x + 1, nil
	}, eager.WithModule(module), eager.WithInputs(eager.In[int]("x")), eager.WithOutputs(eager.Out[int]("o0")))
}

func double() *eager.Entity {
	return eager.NewTask("double", func(_ context.Context, args eager.Args) (any, error) {
		x, err := eager.Arg[int](args, "x")
		if err != nil {
			return nil, err
		}
		return x * 2, nil
	}, eager.WithModule(module), eager.WithInputs(eager.In[int]("x")), eager.WithOutputs(eager.Out[int]("o0")))
}

func checkPositive() *eager.Entity {
	return eager.NewTask("check_positive", func(_ context.Context, args eager.Args) (any, error) {
		x, err := eager.Arg[int](args, "x")
		if err != nil {
			return nil, err
		}
		if x <= 0 {
			return nil, errors.New("x must be positive")
		}
		return x, nil
	}, eager.WithModule(module), eager.WithInputs(eager.In[int]("x")), eager.WithOutputs(eager.Out[int]("o0")))
}

// pipeline adds one to x, then doubles the result and checks in parallel
// that it is positive.
func pipeline(ctx context.Context, s *eager.Scope, args eager.Args) (any, error) {
	x, err := s.Call(ctx, "add_one", eager.Args{"x": args["x"]})
	if err != nil {
		return nil, err
	}
	doubled := s.Go(ctx, "double", eager.Args{"x": x})
	checked := s.Go(ctx, "check_positive", eager.Args{"x": x})
	if _, err := checked.Await(ctx); err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	return doubled.Await(ctx)
}

// tasks binds the demo tasks under the names the pipeline calls them with.
func tasks() eager.Namespace {
	return eager.Namespace{
		"add_one":        addOne(),
		"double":         double(),
		"check_positive": checkPositive(),
	}
}

// catalog registers the entities bound in ns and, when runner is set, its
// eager workflow so workers can execute it remotely.
func catalog(ns eager.Namespace, runner *eager.Runner) (*registry.Catalog, error) {
	c, err := registry.New()
	if err != nil {
		return nil, err
	}
	for _, v := range ns {
		if e, ok := v.(*eager.Entity); ok {
			if err := c.Register(e); err != nil {
				return nil, err
			}
		}
	}
	if runner != nil {
		if err := c.Register(runner.Entity()); err != nil {
			return nil, err
		}
	}
	return c, nil
}
