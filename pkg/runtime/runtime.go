// Package runtime is the embedding surface of the FlowRelay client.
//
// An application registers its entity models, processors and criteria
// on a Runtime, then calls Run. The runtime connects to the platform,
// advertises the registered handlers and executes calculation requests
// until the context is cancelled.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/flowrelay/flowrelay-go/internal/auth"
	"github.com/flowrelay/flowrelay-go/internal/codec"
	"github.com/flowrelay/flowrelay-go/internal/config"
	"github.com/flowrelay/flowrelay-go/internal/dispatch"
	"github.com/flowrelay/flowrelay-go/internal/fabric"
	"github.com/flowrelay/flowrelay-go/internal/metrics"
	"github.com/flowrelay/flowrelay-go/internal/opsserver"
	"github.com/flowrelay/flowrelay-go/internal/registry"
	"github.com/flowrelay/flowrelay-go/internal/stream"
	"github.com/flowrelay/flowrelay-go/internal/supervisor"
	"github.com/flowrelay/flowrelay-go/pb"
	"github.com/flowrelay/flowrelay-go/pkg/entitysvc"
)

// Re-exported so applications only import this package.
type (
	// Entity is a decoded platform entity.
	Entity = codec.Entity

	// Base is embedded in application entity structs.
	Base = codec.Base

	// Descriptor binds a model name and version to an entity factory.
	Descriptor = codec.Descriptor

	// Field is one schema field of a model.
	Field = codec.Field

	// ProcessorFunc transforms an entity.
	ProcessorFunc = registry.ProcessorFunc

	// CriterionFunc evaluates a predicate over an entity.
	CriterionFunc = registry.CriterionFunc
)

// Runtime owns the platform connection and the handler registry.
type Runtime struct {
	cfg *config.Config

	cdc *codec.Codec
	reg *registry.Registry
	met *metrics.Metrics

	promReg *prometheus.Registry
	tokens  auth.Provider
	bus     fabric.Bus
	redisC  *redis.Client
	entity  *entitysvc.Client
}

// New builds a runtime from loaded configuration.
func New(cfg *config.Config) (*Runtime, error) {
	tokens, err := auth.NewClientCredentials(cfg.ClientID, cfg.ClientSecret, cfg.AuthTokenURL)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt := &Runtime{
		cfg:     cfg,
		cdc:     codec.New(),
		reg:     registry.New(),
		met:     metrics.New(promReg),
		promReg: promReg,
		tokens:  tokens,
		bus:     fabric.NewLocalBus(),
	}

	if cfg.RedisAddr != "" {
		rt.redisC = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.bus = fabric.NewRedisBus(rt.redisC, "")
	}
	if cfg.EntityAPIURL != "" {
		rt.entity = entitysvc.New(entitysvc.Config{BaseURL: cfg.EntityAPIURL}, tokens)
	}
	return rt, nil
}

// RegisterModel makes an entity model known to the codec. Every model
// referenced by a processor or criterion must be registered first.
func (r *Runtime) RegisterModel(d *codec.Descriptor) error {
	return r.cdc.Register(d)
}

// RegisterProcessor registers an entity transformation under a name and
// version. A name starting with "_" stays private: callable, but not
// advertised to the platform.
func (r *Runtime) RegisterProcessor(name string, version int, d *codec.Descriptor, fn ProcessorFunc) error {
	return r.reg.RegisterProcessor(name, version, d, fn)
}

// RegisterCriterion registers a predicate under a name and version.
func (r *Runtime) RegisterCriterion(name string, version int, d *codec.Descriptor, fn CriterionFunc) error {
	return r.reg.RegisterCriterion(name, version, d, fn)
}

// Entities returns the REST client for the platform's entity API, or
// nil when no entityApiUrl is configured.
func (r *Runtime) Entities() *entitysvc.Client { return r.entity }

// Bus returns the lifecycle event bus.
func (r *Runtime) Bus() fabric.Bus { return r.bus }

// Run connects and serves until ctx is cancelled. The registry freezes
// on entry; registration calls after Run starts return an error.
//
// The returned error is nil on clean shutdown. Terminal failures come
// back wrapped: supervisor.ErrAuthExhausted when authentication keeps
// failing, stream.ErrHandshakeMismatch on protocol disagreement.
func (r *Runtime) Run(ctx context.Context) error {
	r.reg.Freeze()
	if len(r.reg.List()) == 0 {
		slog.Warn("no public handlers registered, the platform will see an empty advertisement")
	}

	var creds credentials.TransportCredentials
	if r.cfg.GRPCInsecure {
		creds = insecure.NewCredentials()
	}
	opener, closeConn, err := stream.GRPCOpener(r.cfg.GRPCEndpoint, creds, pb.NewEventStreamClient)
	if err != nil {
		return err
	}
	defer closeConn()

	session := stream.New(stream.Config{
		ProcessID:         r.cfg.ClientID,
		HandshakeTimeout:  r.cfg.HandshakeTimeout,
		KeepaliveInterval: r.cfg.KeepaliveInterval,
		DrainTimeout:      r.cfg.DrainTimeout,
		OutboxCapacity:    r.cfg.OutboxCapacity,
		Dispatch: dispatch.Config{
			ProcessorConcurrency: r.cfg.ProcessorConcurrency,
			CriterionConcurrency: r.cfg.CriterionConcurrency,
			QueueDepth:           r.cfg.InboundQueueDepth,
			ProcessorTimeout:     r.cfg.ProcessorDefaultTimeout,
			CriterionTimeout:     r.cfg.CriterionDefaultTimeout,
		},
	}, opener, r.tokens, r.reg, r.cdc, r.met, r.bus, nil)

	sup := supervisor.New(supervisor.Config{
		BackoffMin: r.cfg.ReconnectBackoffMin,
		BackoffMax: r.cfg.ReconnectBackoffMax,
	}, session, r.met)
	session.SetStateFunc(sup.OnState)

	ops := opsserver.New(r.cfg.OpsAddr, sup.Ready, sup.LastError, r.promReg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return ops.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	r.bus.Close()
	if r.redisC != nil {
		r.redisC.Close()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
