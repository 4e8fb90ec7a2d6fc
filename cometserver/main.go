package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/comet/comet"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Comet server.

The jwt secret can also be set with COMET_JWT_SECRET.
Without a secret, all handshakes are allowed.

Usage:
    cometserver serve [--addr=<addr>] [--prefix=<prefix>]
        [--jwt_secret=<jwt_secret>]
        [--session_timeout=<session_timeout>]
        [--v=<level>]

Options:
    -h --help                            Show this screen.
    --version                            Show version.
    --addr=<addr>                        Listen address [default: :8080].
    --prefix=<prefix>                    Path prefix of the comet routes [default: /comet].
    --jwt_secret=<jwt_secret>            HMAC secret of client tokens.
    --session_timeout=<session_timeout>  Idle session timeout [default: 10m].
    --v=<level>                          Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	addr, _ := opts.String("--addr")
	prefix, _ := opts.String("--prefix")
	level, _ := opts.String("--v")
	sessionTimeoutStr, _ := opts.String("--session_timeout")

	flag.Set("logtostderr", "true")
	flag.Set("v", level)

	sessionTimeout, err := time.ParseDuration(sessionTimeoutStr)
	if err != nil {
		panic(err)
	}

	var jwtSecret string
	if jwtSecretAny := opts["--jwt_secret"]; jwtSecretAny != nil {
		jwtSecret = jwtSecretAny.(string)
	} else {
		jwtSecret = os.Getenv("COMET_JWT_SECRET")
	}

	var authorizer comet.Authorizer
	if jwtSecret != "" {
		authorizer = comet.NewJwtAuthorizer([]byte(jwtSecret))
	} else {
		authorizer = &comet.AllowAllAuthorizer{}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := comet.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	gin.SetMode(gin.ReleaseMode)

	settings := comet.DefaultServerSettings()
	settings.Prefix = prefix
	settings.Version = RequireVersion()
	settings.SessionStore.IdleTimeout = sessionTimeout
	cometServer := comet.NewServer(ctx, authorizer, settings)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", cometServer)

	fmt.Printf(
		"Comet %s on %s%s\n",
		RequireVersion(),
		addr,
		prefix,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			glog.Errorf("[server]listen error = %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	// closing the sessions completes the blocked polls
	cometServer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	glog.Flush()
}

func RequireVersion() string {
	if version := os.Getenv("COMET_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
