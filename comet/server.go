package comet

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
)

type ServerSettings struct {
	// path prefix of all comet routes
	Prefix  string
	Version string

	SessionStore      *SessionStoreSettings
	Poll              *PollSettings
	Stream            *StreamSettings
	TransportEndpoint *TransportEndpointSettings
	Multiplex         *MultiplexSettings
	Loopback          *LoopbackSettings
	LoopbackReliable  *LoopbackReliableSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Prefix:            "/comet",
		Version:           "0.0.0-local",
		SessionStore:      DefaultSessionStoreSettings(),
		Poll:              DefaultPollSettings(),
		Stream:            DefaultStreamSettings(),
		TransportEndpoint: DefaultTransportEndpointSettings(),
		Multiplex:         DefaultMultiplexSettings(),
		Loopback:          DefaultLoopbackSettings(),
		LoopbackReliable:  DefaultLoopbackReliableSettings(),
	}
}

// Server wires the comet endpoints:
//
//	<prefix>/handshake          new session
//	<prefix>/poll               long poll
//	<prefix>/send               inbound packets
//	<prefix>/stream             websocket stream
//	<prefix>/transport/<path>   single transport long poll
//	<prefix>/status             server status
//
// Every new session is bound to a multiplexed transport over the server's routes.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings

	sessions         *SessionStore
	resolver         *RouteResolver
	pollHandler      *PollHandler
	transportHandler *TransportHandler

	router *gin.Engine
}

func NewServerWithDefaults(ctx context.Context, authorizer Authorizer) *Server {
	return NewServer(ctx, authorizer, DefaultServerSettings())
}

func NewServer(ctx context.Context, authorizer Authorizer, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)

	sessions := NewSessionStore(cancelCtx, settings.SessionStore)
	resolver := NewRouteResolver()
	pollHandler := NewPollHandler(sessions, settings.Poll)
	transportHandler := NewTransportHandler(cancelCtx, resolver, authorizer, settings.TransportEndpoint)

	server := &Server{
		ctx:              cancelCtx,
		cancel:           cancel,
		settings:         settings,
		sessions:         sessions,
		resolver:         resolver,
		pollHandler:      pollHandler,
		transportHandler: transportHandler,
	}
	server.addDefaultRoutes()

	sessions.AddNewSessionCallback(func(session *Session) {
		BindTransport(
			cancelCtx,
			session,
			NewMultiplexTransport(cancelCtx, resolver, settings.Multiplex),
		)
	})

	router := gin.New()
	router.Use(gin.Recovery(), logRequests())
	group := router.Group(settings.Prefix)
	group.Any("/handshake", gin.WrapH(NewHandshakeHandler(sessions, authorizer)))
	group.Any("/poll", gin.WrapH(pollHandler))
	group.Any("/send", gin.WrapH(NewSendHandler(sessions)))
	group.GET("/stream", gin.WrapH(NewStreamHandler(sessions, pollHandler, settings.Stream)))
	group.Any("/transport/*path", gin.WrapH(
		http.StripPrefix(settings.Prefix+"/transport", transportHandler),
	))
	group.GET("/status", server.status)
	server.router = router

	return server
}

func (self *Server) addDefaultRoutes() {
	self.resolver.Handle("/echo", func(ctx context.Context, args url.Values, transportId TransportId) (Transport, error) {
		return NewEchoTransport(), nil
	})
	self.resolver.Handle("/loopback", func(ctx context.Context, args url.Values, transportId TransportId) (Transport, error) {
		return NewLoopbackTransport(ctx, self.settings.Loopback), nil
	})
	self.resolver.Handle("/loopback-reliable", func(ctx context.Context, args url.Values, transportId TransportId) (Transport, error) {
		return NewLoopbackReliableTransport(ctx, "loopback-reliable", self.settings.LoopbackReliable), nil
	})
	self.resolver.Handle("/multiplex", func(ctx context.Context, args url.Values, transportId TransportId) (Transport, error) {
		return NewMultiplexTransport(ctx, self.resolver, self.settings.Multiplex), nil
	})
}

func (self *Server) Sessions() *SessionStore {
	return self.sessions
}

// routes added here are reachable from multiplexed channels and the transport endpoint
func (self *Server) Resolver() *RouteResolver {
	return self.resolver
}

func (self *Server) PollHandler() *PollHandler {
	return self.pollHandler
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func (self *Server) status(c *gin.Context) {
	type StatusResult struct {
		Version    string   `json:"version"`
		Status     string   `json:"status"`
		Host       string   `json:"host"`
		Sessions   int      `json:"sessions"`
		Transports int      `json:"transports"`
		Routes     []string `json:"routes"`
	}

	host, _ := os.Hostname()
	routes := self.resolver.Paths()
	slices.Sort(routes)

	c.JSON(http.StatusOK, &StatusResult{
		Version:    self.settings.Version,
		Status:     "ok",
		Host:       host,
		Sessions:   self.sessions.Len(),
		Transports: self.transportHandler.TransportCount(),
		Routes:     routes,
	})
}

func (self *Server) Close() {
	self.cancel()
	self.transportHandler.Close()
	self.sessions.Close()
}

func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		if glog.V(LogLevelDebug) {
			glog.Infof(
				"[http]%s %s %d (%.2fms)\n",
				c.Request.Method,
				c.Request.URL.Path,
				c.Writer.Status(),
				float64(time.Since(startTime))/float64(time.Millisecond),
			)
		}
	}
}
