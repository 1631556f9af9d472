package keys

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const registrationTimeout = 5 * time.Second

// RemoteProvider serves the key set another tenant publishes at a JWKS URI. The set is cached
// and refreshed in the background by the jwk cache.
type RemoteProvider struct {
	issuer  string
	jwksURI string
	cache   *jwk.Cache
	refresh time.Duration

	registerMu sync.Mutex
	registered bool
}

// NewRemoteProvider creates a provider for the tenant identified by issuer.
func NewRemoteProvider(ctx context.Context, issuer, jwksURI string, client *http.Client) (*RemoteProvider, error) {
	if client == nil {
		client = http.DefaultClient
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteProvider{
		issuer:  issuer,
		jwksURI: jwksURI,
		cache:   cache,
	}, nil
}

// WithRefreshInterval caps the time between two fetches of the key set.
func (p *RemoteProvider) WithRefreshInterval(d time.Duration) *RemoteProvider {
	p.refresh = d
	return p
}

// register adds the JWKS URI to the cache on first use so startup never blocks on the remote
// tenant. A failed registration is retried on the next call.
func (p *RemoteProvider) register(ctx context.Context) error {
	p.registerMu.Lock()
	defer p.registerMu.Unlock()

	if p.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	var opts []jwk.RegisterOption
	if p.refresh > 0 {
		opts = append(opts, jwk.WithMaxInterval(p.refresh))
	}
	if err := p.cache.Register(regCtx, p.jwksURI, opts...); err != nil {
		return fmt.Errorf("failed to register JWKS URI: %w", err)
	}
	p.registered = true
	return nil
}

// Material implements Provider.
func (p *RemoteProvider) Material(ctx context.Context) (*Material, error) {
	if err := p.register(ctx); err != nil {
		return nil, err
	}
	set, err := p.cache.Lookup(ctx, p.jwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	return &Material{Keys: set, Issuer: p.issuer}, nil
}
