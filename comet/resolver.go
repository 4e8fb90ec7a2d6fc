package comet

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

// TransportResolver constructs the transport served at a path.
// Implementations return `ErrTransportNotFound` when nothing is served at the path,
// or a `*StatusError` to report a specific status such as 401.
type TransportResolver interface {
	ResolveTransport(ctx context.Context, path string, args url.Values, transportId TransportId) (Transport, error)
}

type TransportFactory func(ctx context.Context, args url.Values, transportId TransportId) (Transport, error)

// RouteResolver resolves exact paths to transport factories.
type RouteResolver struct {
	stateLock sync.Mutex
	routes    map[string]TransportFactory
}

func NewRouteResolver() *RouteResolver {
	return &RouteResolver{
		routes: map[string]TransportFactory{},
	}
}

func (self *RouteResolver) Handle(path string, factory TransportFactory) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.routes[normalizeRoutePath(path)] = factory
}

func (self *RouteResolver) Paths() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.routes)
}

func (self *RouteResolver) ResolveTransport(
	ctx context.Context,
	path string,
	args url.Values,
	transportId TransportId,
) (Transport, error) {
	factory, ok := func() (TransportFactory, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		factory, ok := self.routes[normalizeRoutePath(path)]
		return factory, ok
	}()
	if !ok {
		return nil, ErrTransportNotFound
	}
	return factory(ctx, args, transportId)
}

// ResolveTransportUrl splits a channel url of the form `path?query`
// and resolves it with the given resolver.
func ResolveTransportUrl(
	ctx context.Context,
	resolver TransportResolver,
	transportUrl string,
	transportId TransportId,
) (Transport, error) {
	path, rawQuery, _ := strings.Cut(transportUrl, "?")
	args, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, NewStatusError(http.StatusBadRequest, "Bad channel url %q", transportUrl)
	}
	return resolver.ResolveTransport(ctx, path, args, transportId)
}

func normalizeRoutePath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if 1 < len(path) {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}
