package main

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"

	recordsmongo "goa.design/eager/features/callrecord/mongo"
	clientsmongo "goa.design/eager/features/callrecord/mongo/clients/mongo"
	streampulse "goa.design/eager/features/nodestream/pulse"
	clientspulse "goa.design/eager/features/nodestream/pulse/clients/pulse"
	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/callrecord"
	recordsinmem "goa.design/eager/runtime/eager/callrecord/inmem"
	"goa.design/eager/runtime/eager/config"
	"goa.design/eager/runtime/eager/engine/temporal"
	"goa.design/eager/runtime/eager/telemetry"
)

// sinks holds the observers built from the configuration and the
// dependencies checked before running.
type sinks struct {
	records  callrecord.Store
	observer []eager.Observer
	pingers  []health.Pinger
	closers  []func(context.Context) error
}

func newSinks(ctx context.Context, cfg config.Config, logger telemetry.Logger) (*sinks, error) {
	s := &sinks{}
	if cfg.Records.MongoURI != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Records.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		s.closers = append(s.closers, mc.Disconnect)
		cli, err := clientsmongo.New(clientsmongo.Options{
			Client:     mc,
			Database:   cfg.Records.Database,
			Collection: cfg.Records.Collection,
		})
		if err != nil {
			return nil, err
		}
		store, err := recordsmongo.NewStore(cli)
		if err != nil {
			return nil, err
		}
		s.records = store
		s.pingers = append(s.pingers, cli)
	} else {
		s.records = recordsinmem.New()
	}
	s.observer = append(s.observer, callrecord.NewRecorder(s.records, logger))

	if cfg.Stream.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Stream.RedisAddr, Password: cfg.Stream.RedisPassword})
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
		cli, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Stream.MaxLen})
		if err != nil {
			return nil, err
		}
		pub, err := streampulse.NewPublisher(streampulse.Options{Client: cli, Logger: logger})
		if err != nil {
			return nil, err
		}
		s.observer = append(s.observer, pub)
		s.pingers = append(s.pingers, cli)
	}
	return s, nil
}

// check pings every configured dependency.
func (s *sinks) check(ctx context.Context) error {
	if len(s.pingers) == 0 {
		return nil
	}
	h, ok := health.NewChecker(s.pingers...).Check(ctx)
	if !ok {
		return fmt.Errorf("unhealthy dependencies: %v", h.Status)
	}
	return nil
}

func (s *sinks) close(ctx context.Context) {
	for _, c := range s.closers {
		_ = c(ctx)
	}
}

// newTemporal builds the Temporal dispatcher of p.
func newTemporal(p config.Platform, logger telemetry.Logger) (*temporal.Dispatcher, error) {
	copts := &client.Options{HostPort: p.Endpoint, Namespace: p.Namespace}
	if !p.Insecure {
		copts.ConnectionOptions.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	opts := temporal.Options{
		ClientOptions: copts,
		TaskQueue:     p.TaskQueue,
		ConsoleURL:    p.ConsoleURL,
		Logger:        logger,
	}
	if p.AuthMode == config.AuthClientCredentials {
		opts.APIKey = p.ClientSecret
		copts.Identity = p.ClientID
	}
	return temporal.New(opts)
}
