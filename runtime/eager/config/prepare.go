package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goa.design/eager/runtime/eager/engine"
)

type (
	// Secrets reads secrets mounted into executions.
	Secrets interface {
		Get(ctx context.Context, group, key string) (string, error)
	}

	// EnvSecrets reads secrets from environment variables named
	// <Prefix><GROUP>_<KEY>.
	EnvSecrets struct {
		Prefix string
	}

	// DirSecrets reads secrets from files named <Dir>/<group>/<key>.
	DirSecrets struct {
		Dir string
	}
)

const (
	// SandboxEndpoint is the cluster frontend as seen from executions
	// running inside the local sandbox cluster.
	SandboxEndpoint = "temporal-frontend.eager-sandbox:7233"
	// DefaultSecretPrefix prefixes the environment variables read by
	// EnvSecrets.
	DefaultSecretPrefix = "EAGER_SECRET_"
)

// ErrSecretNotFound is returned by Secrets providers for missing secrets.
var ErrSecretNotFound = errors.New("secret not found")

// Prepare derives the platform settings an eager run uses to reach the
// cluster from the execution running it. It returns nil in local mode, where
// entities are called directly. Endpoints on localhost are replaced by the
// sandbox frontend; any other endpoint requires client credentials, the
// secret being read from the configured secret group and key unless the
// configuration already carries one.
func Prepare(ctx context.Context, cfg Config, mode engine.Mode, secrets Secrets) (*Platform, error) {
	if mode == engine.ModeLocal {
		return nil, nil
	}
	p := cfg.Platform
	if strings.HasPrefix(p.Endpoint, "localhost") {
		return &Platform{
			Endpoint:   SandboxEndpoint,
			Namespace:  p.Namespace,
			TaskQueue:  p.TaskQueue,
			Insecure:   true,
			AuthMode:   AuthNone,
			ClientID:   p.ClientID,
			ConsoleURL: p.ConsoleURL,
		}, nil
	}
	if cfg.Secret.Group == "" {
		return nil, errors.New("secret group must be defined when using a remote cluster")
	}
	if cfg.Secret.Key == "" {
		return nil, errors.New("secret key must be defined when using a remote cluster")
	}
	secret := p.ClientSecret
	if secret == "" {
		if secrets == nil {
			return nil, errors.New("a secrets provider is required when using a remote cluster")
		}
		s, err := secrets.Get(ctx, cfg.Secret.Group, cfg.Secret.Key)
		if err != nil {
			return nil, fmt.Errorf("read client secret: %w", err)
		}
		secret = s
	}
	p.AuthMode = AuthClientCredentials
	p.ClientSecret = secret
	return &p, nil
}

// Get implements Secrets.
func (s EnvSecrets) Get(_ context.Context, group, key string) (string, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultSecretPrefix
	}
	name := prefix + envName(group) + "_" + envName(key)
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// Get implements Secrets.
func (s DirSecrets) Get(_ context.Context, group, key string) (string, error) {
	if group == "" || key == "" || strings.ContainsAny(group+key, `/\`) {
		return "", fmt.Errorf("invalid secret %q/%q", group, key)
	}
	b, err := os.ReadFile(filepath.Join(s.Dir, group, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, group, key)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}
