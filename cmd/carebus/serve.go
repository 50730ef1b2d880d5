package carebus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgeflare/carebus/pkg/client"
	"github.com/edgeflare/carebus/pkg/httputil"
	"github.com/edgeflare/carebus/pkg/httputil/middleware"
	"github.com/edgeflare/carebus/pkg/metrics"
	"github.com/edgeflare/carebus/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAddr      string
	serveNoMetrics bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the inspection API and Prometheus metrics",
	Long: `Serve exposes topics, consumer group lag and the schema registry over
HTTP, and Prometheus metrics on a separate listener. Traces are exported when
telemetry.endpoint is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http.addr)")
	serveCmd.Flags().BoolVar(&serveNoMetrics, "no-metrics", false, "do not start the metrics listener")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	if cfg.HTTP.SelfSigned {
		if _, err := httputil.LoadOrGenerateCert(cfg.HTTP.CertFile, cfg.HTTP.KeyFile, certHosts(cfg.HTTP.Addr)...); err != nil {
			return err
		}
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)
	var wg sync.WaitGroup
	if cfg.Metrics.Enabled && !serveNoMetrics {
		metrics.StartPrometheusServer(gctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr}, logger.Named("metrics"))
	}

	r := newRouter(c)
	g.Go(func() error { return r.ListenAndServe(cfg.HTTP.Addr) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return r.Shutdown(sctx)
	})

	err = g.Wait()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newRouter mounts the inspection API behind request id, access log and,
// when origins are configured, CORS middleware.
func newRouter(c *client.Client) *httputil.Router {
	httpLogger := logger.Named("http")
	opts := []httputil.RouterOptions{httputil.WithLogger(httpLogger)}
	if cfg.HTTP.CertFile != "" {
		opts = append(opts, httputil.WithTLS(cfg.HTTP.CertFile, cfg.HTTP.KeyFile))
	}
	r := httputil.NewRouter(opts...)
	r.Use(middleware.RequestID, middleware.Logger(&middleware.LoggerOptions{Logger: httpLogger}))
	if len(cfg.HTTP.CORSOrigins) > 0 {
		cors := middleware.DefaultCORSOptions()
		cors.AllowedOrigins = cfg.HTTP.CORSOrigins
		r.Use(middleware.CORS(cors))
		// Preflights need a route for the middleware to run on.
		r.HandleFunc("OPTIONS /", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}
	c.Inspector().Mount(r)
	return r
}

// certHosts names the listen host in a self-signed certificate, falling back
// to localhost for wildcard addresses.
func certHosts(addr string) []string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return nil
	}
	return []string{host}
}
