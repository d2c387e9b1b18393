// Package paramstore reads secrets and runtime parameters from AWS SSM
// Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter. Consumers (the channel
// clients, the backends) depend on this rather than the concrete *Client so
// they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Cached wraps a Getter and remembers each parameter for the lifetime of the
// process. Secrets like API tokens do not rotate mid-deployment, so one SSM
// round-trip per parameter is enough.
type Cached struct {
	inner Getter

	mu     sync.Mutex
	values map[string]string
}

// NewCached creates a caching layer over the given Getter.
func NewCached(inner Getter) (*Cached, error) {
	if inner == nil {
		return nil, errors.New("paramstore: inner getter must not be nil")
	}
	return &Cached{inner: inner, values: make(map[string]string)}, nil
}

func (c *Cached) GetParameter(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if v, ok := c.values[name]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	// Fetch outside the lock; concurrent misses may race to SSM but the
	// last write wins with an identical value.
	v, err := c.inner.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
	return v, nil
}
