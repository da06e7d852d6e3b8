package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/config"
	"goa.design/eager/runtime/eager/engine/inmem"
)

func TestPipelineLocal(t *testing.T) {
	r := eager.New("pipeline", pipeline, eager.WithNamespace(tasks()))

	out, err := r.Run(context.Background(), eager.Args{"x": 3})

	require.NoError(t, err)
	assert.EqualValues(t, 8, out)
}

func TestPipelineInmem(t *testing.T) {
	cluster := inmem.New()
	ns := tasks()
	r := eager.New("pipeline", pipeline,
		eager.WithNamespace(ns),
		eager.WithDispatcher(cluster),
		eager.WithPollPolicy(eager.PollPolicy{Attempts: 200, Interval: 5 * time.Millisecond}))
	cat, err := catalog(ns, r)
	require.NoError(t, err)
	require.NoError(t, cat.Install(cluster))

	out, err := r.Run(context.Background(), eager.Args{"x": 3})
	require.NoError(t, err)
	assert.EqualValues(t, 8, out)

	_, err = r.Run(context.Background(), eager.Args{"x": -5})
	assert.ErrorContains(t, err, "x must be positive")
}

func TestCatalogRegistersRunner(t *testing.T) {
	r := eager.New("pipeline", pipeline, eager.WithEntityOptions(eager.WithModule(module)))
	cat, err := catalog(tasks(), r)
	require.NoError(t, err)

	for _, name := range []string{"demo.add_one", "demo.double", "demo.check_positive", "demo.pipeline"} {
		_, ok := cat.Lookup(name)
		assert.True(t, ok, name)
	}
}

func TestRun(t *testing.T) {
	ctx := log.Context(context.Background(), log.WithOutput(io.Discard))
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Poll.Interval = 5 * time.Millisecond
	cfg.RateLimit.SyncsPerSecond = 1000

	require.NoError(t, run(ctx, cfg, flags{backend: "inmem", x: 1, reportDir: dir}))
	decks, err := filepath.Glob(filepath.Join(dir, "*.html"))
	require.NoError(t, err)
	require.Len(t, decks, 1)
	b, err := os.ReadFile(decks[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), "demo.add_one")

	assert.NoError(t, run(ctx, cfg, flags{backend: "local", x: 1}))
	assert.ErrorContains(t, run(ctx, cfg, flags{backend: "nope"}), "invalid backend")
}
