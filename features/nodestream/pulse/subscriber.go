package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/eager/features/nodestream/pulse/clients/pulse"
	"goa.design/eager/runtime/eager"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads entries. Required.
		Client pulse.Client
		// SinkName identifies the consumer group. Defaults to "eager_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber reads the node events of a run back from its stream.
	Subscriber struct {
		client pulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a subscriber reading through opts.Client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{client: opts.Client, name: opts.SinkName, buffer: opts.Buffer}
	if s.name == "" {
		s.name = "eager_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	return s, nil
}

// Subscribe consumes the stream named streamID. The events channel closes
// after a run_completed event, when the sink closes or when cancel is called.
//
//	events, errs, cancel, err := sub.Subscribe(ctx, pulse.StreamName(runID))
//	defer cancel()
//	for ev := range events {
//		fmt.Println(ev.Type, ev.Node.EntityName)
//	}
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan eager.NodeEvent, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan eager.NodeEvent, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- eager.NodeEvent, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			var ev eager.NodeEvent
			if err := json.Unmarshal(entry.Payload, &ev); err != nil {
				errs <- fmt.Errorf("decode node event: %w", err)
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
			if ev.Type == eager.EventRunCompleted {
				return
			}
		}
	}
}
