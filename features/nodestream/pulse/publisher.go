// Package pulse streams the node events of eager runs to goa.design/pulse
// streams so dashboards can follow a run live. Publisher is an eager.Observer
// writing one entry per event; Subscriber reads them back.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/eager/features/nodestream/pulse/clients/pulse"
	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// Options configures the publisher.
	Options struct {
		// Client publishes entries. Required.
		Client pulse.Client
		// StreamID derives the stream of a run. Defaults to StreamName.
		StreamID func(runID string) string
		// Logger records publish failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Publisher publishes node events to one stream per run. Safe for
	// concurrent use.
	Publisher struct {
		client   pulse.Client
		streamID func(string) string
		logger   telemetry.Logger
	}
)

var _ eager.Observer = (*Publisher)(nil)

// StreamName returns the default stream of runID.
func StreamName(runID string) string {
	return fmt.Sprintf("eager/%s", runID)
}

// NewPublisher returns a publisher writing through opts.Client.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	p := &Publisher{client: opts.Client, streamID: opts.StreamID, logger: opts.Logger}
	if p.streamID == nil {
		p.streamID = StreamName
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	return p, nil
}

// Publish writes ev to the stream of its run and returns the entry ID.
func (p *Publisher) Publish(ctx context.Context, ev eager.NodeEvent) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("node event missing run id")
	}
	str, err := p.client.Stream(p.streamID(ev.RunID))
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return str.Add(ctx, string(ev.Type), payload)
}

// Observe publishes ev. Failures are logged; streaming never fails a run.
func (p *Publisher) Observe(ctx context.Context, ev eager.NodeEvent) {
	if _, err := p.Publish(ctx, ev); err != nil {
		p.logger.Warn(ctx, "failed to stream node event", "run", ev.RunID, "type", string(ev.Type), "err", err)
	}
}
