// Command qdata-server runs the request-coalescing dispatch fabric: the
// websocket-facing request handler (C5), or the queue-facing data
// processor (C4), or both in one process.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/qdatasvc/qdata-server/internal/coalescing"
	"github.com/qdatasvc/qdata-server/internal/config"
	"github.com/qdatasvc/qdata-server/internal/gateway"
	"github.com/qdatasvc/qdata-server/internal/metrics"
	"github.com/qdatasvc/qdata-server/internal/provider"
	"github.com/qdatasvc/qdata-server/internal/queue"
	"github.com/qdatasvc/qdata-server/internal/session"
	"github.com/qdatasvc/qdata-server/internal/version"
	"github.com/qdatasvc/qdata-server/internal/worker"
	"github.com/qdatasvc/qdata-server/internal/xlog"
)

const (
	moduleRequestHandler = "request_handler"
	moduleDataProcessor  = "data_processor"
)

func main() {
	// Checked before urfave/cli ever sees the arguments: child-job mode is
	// an internal re-invocation of this same binary (spec.md §9 "Process
	// isolation for workers"), never a user-facing flag.
	if len(os.Args) > 1 && os.Args[1] == worker.ChildModeFlag {
		runChildMode()
		return
	}

	app := &cli.App{
		Name:  "qdata-server",
		Usage: "request-coalescing dispatch fabric for quantitative data services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the TOML configuration file",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "module",
				Usage: "modules to run: request_handler, data_processor (repeatable; default both)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "qdata-server:", err)
		os.Exit(1)
	}
}

func runChildMode() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qdata-server: read child job:", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if path := os.Getenv("QDATA_CONFIG"); path != "" {
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
		}
	}
	p := newProvider(cfg)
	handlers := worker.NewKindHandlers(p)

	out, err := worker.RunChild(context.Background(), handlers, input)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qdata-server: child job failed:", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

func newProvider(cfg config.Config) provider.Provider {
	// The real provider (qlib computation, on-disk cache) is explicitly
	// out of scope (spec.md §1); Stub stands in for local runs and tests.
	_ = cfg.ProviderURI
	return provider.Stub{}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	level, err := parseLevel(cfg.LoggingLevel)
	if err != nil {
		return err
	}
	otherLevel, err := parseLevel(cfg.OtherLoggingLevel)
	if err != nil {
		return err
	}
	if err := xlog.Configure(cfg.LoggingJSON, true, cfg.LoggingFile, level, otherLevel, cfg.LogFilter); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	log := xlog.New("component", "main")

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("automaxprocs: failed to set GOMAXPROCS", "err", err)
	}

	modules := c.StringSlice("module")
	if len(modules) == 0 {
		modules = []string{moduleRequestHandler, moduleDataProcessor}
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	os.Setenv("QDATA_CONFIG", c.String("config"))

	redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr(), DB: cfg.RedisTaskDB})
	idx, err := coalescing.New(redisClient, cfg.RedisAddr())
	if err != nil {
		return fmt.Errorf("build coalescing index: %w", err)
	}

	conn, err := queue.Dial(cfg.AMQPURL())
	if err != nil {
		return fmt.Errorf("dial queue broker: %w", err)
	}
	defer conn.Close()

	m, reg := metrics.New()

	// Resolved once and shared by both roles: if the configured provider
	// implements URIProvider, gateway and worker must agree on using its
	// locator verbatim (spec.md §9 "Fingerprint authority").
	dataProvider := newProvider(cfg)
	uriProvider := provider.AsURIProvider(dataProvider)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(modules)+1)

	for _, mod := range modules {
		switch mod {
		case moduleRequestHandler:
			checker, err := version.NewChecker(cfg.ClientVersion)
			if err != nil {
				return fmt.Errorf("parse client_version: %w", err)
			}
			sessions := session.NewRegistry()
			gw := gateway.New(gateway.Params{
				Conn:         conn,
				Index:        idx,
				TaskQueue:    cfg.TaskQueue,
				Sessions:     sessions,
				Checker:      checker,
				PingInterval: cfg.GatewayPingInterval,
				URIProvider:  uriProvider,
				Metrics:      m,
			})
			responder := gateway.NewResponder(conn, cfg.MessageQueue, cfg.MaxConcurrency, sessions, m)

			mux := http.NewServeMux()
			mux.Handle("/", gw)
			mux.Handle("/healthz", gateway.HealthHandler(sessions))
			mux.Handle("/metrics", metrics.Handler(reg))
			srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.GatewayHost, cfg.GatewayPort), Handler: mux}

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := responder.Run(ctx); err != nil {
					errCh <- fmt.Errorf("request_handler responder: %w", err)
				}
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info("request_handler listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("request_handler http: %w", err)
				}
			}()
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()

		case moduleDataProcessor:
			handlers := worker.NewKindHandlers(dataProvider)
			pool := worker.New(worker.Params{
				Conn:              conn,
				Index:             idx,
				TaskQueueName:     cfg.TaskQueue,
				MessageQueueName:  cfg.MessageQueue,
				MaxProcess:        cfg.MaxProcess,
				MaxConcurrency:    cfg.MaxConcurrency,
				InactivityTimeout: cfg.InactivityTimeout,
				ExePath:           exePath,
				URIProvider:       uriProvider,
				Metrics:           m,
			})

			log.Info("data_processor: clearing stale waitsets before accepting new work")
			if err := pool.Drain(ctx); err != nil {
				return fmt.Errorf("data_processor startup drain: %w", err)
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info("data_processor running", "max_process", cfg.MaxProcess)
				if err := pool.Run(ctx, handlers); err != nil {
					errCh <- fmt.Errorf("data_processor: %w", err)
				}
			}()

		default:
			return fmt.Errorf("unknown module %q", mod)
		}
	}

	wg.Wait()
	close(errCh)

	var result *multierror.Error
	for err := range errCh {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func parseLevel(s string) (xlog.Level, error) {
	switch s {
	case "", "debug":
		return xlog.LvlDebug, nil
	case "trace":
		return xlog.LvlTrace, nil
	case "info":
		return xlog.LvlInfo, nil
	case "warn":
		return xlog.LvlWarn, nil
	case "error":
		return xlog.LvlError, nil
	case "crit":
		return xlog.LvlCrit, nil
	default:
		return 0, fmt.Errorf("unknown logging_level %q", s)
	}
}
