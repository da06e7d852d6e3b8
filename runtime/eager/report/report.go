// Package report renders the call stack of finished eager runs.
package report

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// Deck is the data rendered for one run.
	Deck struct {
		Title             string
		RunID             string
		ParentExecutionID string
		Nodes             []DeckNode
	}

	// DeckNode is the rendered form of one node. Outputs is empty for
	// nodes that did not succeed.
	DeckNode struct {
		eager.NodeSnapshot
		InputsJSON  string
		OutputsJSON string
	}

	// HTMLReporter writes an HTML deck per successful run.
	HTMLReporter struct {
		open func(runID string) (io.WriteCloser, error)
	}

	// LogReporter logs one line per node of successful runs.
	LogReporter struct {
		logger telemetry.Logger
	}

	nopCloser struct{ io.Writer }
)

//go:embed deck.html.tmpl
var deckTemplate string

var tmpl = template.Must(template.New("deck").Parse(deckTemplate))

var (
	_ eager.Reporter = (*HTMLReporter)(nil)
	_ eager.Reporter = (*LogReporter)(nil)
)

// NewDeck builds the deck of stack.
func NewDeck(title string, stack *eager.CallStack) Deck {
	d := Deck{Title: title, RunID: stack.RunID(), ParentExecutionID: stack.ParentExecutionID()}
	for _, snap := range stack.Snapshots() {
		n := DeckNode{NodeSnapshot: snap, InputsJSON: toJSON(snap.Inputs)}
		if snap.Outputs != nil {
			n.OutputsJSON = toJSON(snap.Outputs)
		}
		d.Nodes = append(d.Nodes, n)
	}
	return d
}

// Render writes the HTML deck of stack to w.
func Render(w io.Writer, title string, stack *eager.CallStack) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, NewDeck(title, stack)); err != nil {
		return fmt.Errorf("render deck: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// NewHTMLReporter returns a reporter writing decks to w.
func NewHTMLReporter(w io.Writer) *HTMLReporter {
	return &HTMLReporter{open: func(string) (io.WriteCloser, error) { return nopCloser{w}, nil }}
}

// NewFileReporter returns a reporter writing each deck to <dir>/<run id>.html.
func NewFileReporter(dir string) *HTMLReporter {
	return &HTMLReporter{open: func(runID string) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return os.Create(filepath.Join(dir, runID+".html"))
	}}
}

// Report renders the deck of stack.
func (r *HTMLReporter) Report(_ context.Context, stack *eager.CallStack) error {
	w, err := r.open(stack.RunID())
	if err != nil {
		return fmt.Errorf("open deck: %w", err)
	}
	if err := Render(w, "eager workflow", stack); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// NewLogReporter returns a reporter logging through logger.
func NewLogReporter(logger telemetry.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs every node of stack.
func (r *LogReporter) Report(ctx context.Context, stack *eager.CallStack) error {
	for _, n := range stack.Snapshots() {
		r.logger.Info(ctx, "eager node",
			"run", stack.RunID(),
			"index", n.Index,
			"type", n.EntityType,
			"entity", n.EntityName,
			"execution", n.ExecutionID,
			"phase", string(n.Phase),
			"url", n.URL)
	}
	return nil
}

func (nopCloser) Close() error { return nil }

func toJSON(v map[string]any) string {
	if v == nil {
		return "None"
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
