// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cluster implements the public entry point: lifecycle, bucket
// open/close, and dispatch by transport type (spec.md §4.8, C10).
package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nitrokv/nitrokv-go/internal/executor"
	"github.com/nitrokv/nitrokv-go/pkg/collections"
	"github.com/nitrokv/nitrokv-go/pkg/httppool"
	"github.com/nitrokv/nitrokv-go/pkg/httpsession"
	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/kvsession"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/stream"
	"github.com/nitrokv/nitrokv-go/pkg/telemetry"
	"github.com/nitrokv/nitrokv-go/pkg/topology"
	"github.com/nitrokv/nitrokv-go/pkg/vbrouter"
)

// Cluster is the top-level handle to one cluster connection. It owns the
// shared executor every other component is bound to (spec.md §5), the
// cluster-wide bootstrap session, the HTTP session pool, and the telemetry
// reporter.
type Cluster struct {
	log    *zap.Logger
	opts   Options
	exec   *executor.Executor
	dialer *stream.Dialer
	tlsCfg *tls.Config

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan error

	mu            sync.Mutex
	bootstrap     *kvsession.Session
	bootstrapHost string
	network       string
	lastConfig    *topology.Config
	buckets       map[string]*Bucket

	httpPool     *httppool.Pool
	meter        *telemetry.Meter
	telemetry    *telemetry.Reporter
	orchestrator *retry.Orchestrator
}

// New constructs a Cluster bound to a fresh executor. Call Open to connect.
func New(log *zap.Logger, opts Options) (*Cluster, error) {
	opts = opts.WithDefaults()

	tlsCfg, err := buildTLSConfig(opts)
	if err != nil {
		return nil, err
	}

	exec := executor.New()
	dialer := stream.NewDialer(exec, tlsCfg, opts.ConnectTimeout)

	c := &Cluster{
		log:          log,
		opts:         opts,
		exec:         exec,
		dialer:       dialer,
		tlsCfg:       tlsCfg,
		network:      string(opts.Network),
		buckets:      make(map[string]*Bucket),
		meter:        telemetry.NewMeter(),
		orchestrator: retry.NewOrchestrator(exec),
	}
	c.httpPool = httppool.New(log, exec, c.dialHTTPSession)
	c.telemetry = telemetry.NewReporter(log, c.meter, dialTelemetryWebSocket, telemetry.Config{
		PingInterval:   opts.PingInterval,
		PingTimeout:    opts.PingTimeout,
		BackoffMax:     opts.AppTelemetryBackoffInterval,
		ResolveTimeout: opts.ResolveTimeout,
		ConnectTimeout: opts.ConnectTimeout,
		Username:       opts.Username,
		Password:       opts.Password,
	})
	if opts.AppTelemetryEndpoint != "" {
		if u, err := url.Parse(opts.AppTelemetryEndpoint); err == nil {
			c.telemetry.SetExplicitEndpoint(u)
		}
	}
	return c, nil
}

// Open resolves (if enabled) and bootstraps a cluster-wide binary session
// against one of seeds, determines network selection, and starts the
// executor, HTTP pool and telemetry reporter (spec.md §4.8, "Open
// sequence").
func (c *Cluster) Open(ctx context.Context, seeds []string) error {
	if c.opts.EnableDNSSRV && c.opts.SRVResolver != nil {
		resolved, err := resolveSeeds(ctx, c.opts.SRVResolver, seeds)
		if err != nil {
			return err
		}
		seeds = resolved
	}
	if len(seeds) == 0 {
		return kverr.InvalidArgument.New("no bootstrap addresses")
	}

	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.runDone = make(chan error, 1)
	go func() { c.runDone <- c.exec.Run(c.runCtx) }()
	go func() { _ = c.telemetry.Run(c.runCtx) }()

	host, mgmtPort, err := splitHostPort(seeds[0])
	if err != nil {
		return err
	}

	creds := kvsession.Credentials{Username: c.opts.Username, Password: c.opts.Password}
	kvAddr := fmt.Sprintf("%s:%d", host, defaultKVPort(c.opts.UseTLS))
	session := kvsession.New(c.log, c.exec, c.dialer, host, mgmtPort, kvAddr, "", creds, c.opts.UseTLS)
	session.OnConfigurationUpdate(c.onClusterConfig)

	type bootstrapResult struct {
		cfg *topology.Config
		err error
	}
	resultCh := make(chan bootstrapResult, 1)
	session.Bootstrap(ctx, func(err error, cfg *topology.Config) {
		resultCh <- bootstrapResult{cfg: cfg, err: err}
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			c.httpPool.RecordBootstrapError(res.err)
			return res.err
		}
		c.mu.Lock()
		c.bootstrap = session
		c.bootstrapHost = host
		c.mu.Unlock()
		c.resolveNetwork(res.cfg)
		c.onClusterConfig(res.cfg)
		return nil
	case <-ctx.Done():
		return kverr.AmbiguousTimeout.Wrap(ctx.Err())
	}
}

// resolveNetwork implements the network == "auto" resolution rule (spec.md
// §4.8 point 4): prefer "default" on a match, else the first network whose
// alternate address matches the bootstrap host.
func (c *Cluster) resolveNetwork(cfg *topology.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.network != string(NetworkAuto) || cfg == nil {
		return
	}
	for _, n := range cfg.Nodes {
		if network, ok := n.MatchesNetworkHostname(c.bootstrapHost); ok {
			c.network = network
			return
		}
	}
	c.network = string(NetworkDefault)
}

// onClusterConfig fans a fresh topology out to the HTTP pool, telemetry
// reporter, and every open bucket's router (spec.md §4.8 point 5,
// "Open-bucket sequence"). Router.ApplyTopology may block dialing new
// per-node sessions (vbrouter.SessionFactory is synchronous), so this runs
// off the shared executor goroutine rather than on it — see DESIGN.md.
func (c *Cluster) onClusterConfig(cfg *topology.Config) {
	c.mu.Lock()
	network := c.network
	c.lastConfig = cfg
	buckets := make([]*Bucket, 0, len(c.buckets))
	for _, b := range c.buckets {
		buckets = append(buckets, b)
	}
	c.mu.Unlock()

	c.httpPool.OnTopologyUpdate(cfg.Nodes)
	c.telemetry.OnTopologyUpdate(telemetryEndpoints(cfg.Nodes, network))

	for _, b := range buckets {
		b := b
		go func() {
			if err := b.router.ApplyTopology(cfg); err != nil && c.log != nil {
				c.log.Warn("topology rejected", zap.String("bucket", b.name), zap.Error(err))
			}
		}()
	}
}

// OpenBucket opens a bucket-scoped router and bootstraps it against the
// cluster's bootstrap host, registering it for future topology pushes
// (spec.md §4.8, "Open-bucket sequence").
func (c *Cluster) OpenBucket(ctx context.Context, name string, done func(*Bucket, error)) {
	c.mu.Lock()
	if b, ok := c.buckets[name]; ok {
		c.mu.Unlock()
		done(b, nil)
		return
	}
	bootstrapHost := c.bootstrapHost
	network := c.network
	c.mu.Unlock()

	if bootstrapHost == "" {
		done(nil, kverr.ClusterClosed.New("cluster not open"))
		return
	}

	creds := kvsession.Credentials{Username: c.opts.Username, Password: c.opts.Password}
	router := vbrouter.New(func(node topology.Node) (vbrouter.Session, error) {
		return c.bootstrapBucketSession(ctx, node, network, name, creds)
	})

	// The resolver's retrier grants exactly one re-resolution attempt after
	// a collection_not_found response, itself scheduled through the same
	// orchestrator every CRUD retry goes through (spec.md §4.3: "attempt
	// one retry through the retry orchestrator with reason
	// key_value_collection_outdated").
	var resolver *collections.Resolver
	tracker := newCollectionRetryTracker()
	retrier := func(req collections.Request) bool {
		if !tracker.allow(req.Scope, req.Collection) {
			return false
		}
		return c.orchestrator.Decide(&retryState{}, retry.KVCollectionOutdated, func() {
			resolver.Resolve(req)
		})
	}
	resolver = collections.NewResolver(&bucketCollectionFetcher{router: router}, retrier)

	bucket := &Bucket{name: name, router: router, resolver: resolver, orchestrator: c.orchestrator, retryTracker: tracker}

	bootstrapHostFull := fmt.Sprintf("%s:%d", bootstrapHost, defaultKVPort(c.opts.UseTLS))
	session := kvsession.New(c.log, c.exec, c.dialer, bootstrapHost, 0, bootstrapHostFull, name, creds, c.opts.UseTLS)
	session.Bootstrap(ctx, func(err error, cfg *topology.Config) {
		if err != nil {
			done(nil, err)
			return
		}
		// ApplyTopology may dial new per-node sessions through router's
		// SessionFactory, which blocks on further executor-posted
		// completions; this callback already runs on the executor goroutine
		// (kvsession.Session.Bootstrap's own completion is posted there), so
		// the call is pushed onto its own goroutine to avoid the executor
		// blocking on itself (see DESIGN.md).
		go func() {
			if err := router.ApplyTopology(cfg); err != nil {
				done(nil, err)
				return
			}
			c.mu.Lock()
			c.buckets[name] = bucket
			c.mu.Unlock()
			done(bucket, nil)
		}()
	})
}

// bootstrapBucketSession dials and bootstraps one node's bucket-scoped
// session synchronously, matching vbrouter.SessionFactory's contract.
func (c *Cluster) bootstrapBucketSession(ctx context.Context, node topology.Node, network, bucket string, creds kvsession.Credentials) (vbrouter.Session, error) {
	hostname, mgmtPort := node.HostForNetwork(network)
	port := node.KVPort
	if c.opts.UseTLS {
		port = node.KVPortTLS
	}
	addr := fmt.Sprintf("%s:%d", hostname, port)

	session := kvsession.New(c.log, c.exec, c.dialer, hostname, mgmtPort, addr, bucket, creds, c.opts.UseTLS)

	type result struct{ err error }
	done := make(chan result, 1)
	session.Bootstrap(ctx, func(err error, cfg *topology.Config) { done <- result{err: err} })

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return session, nil
	case <-ctx.Done():
		return nil, kverr.AmbiguousTimeout.Wrap(ctx.Err())
	}
}

// CurrentConfig returns the cluster-wide topology last delivered over the
// bootstrap session, or nil before the first one arrives.
func (c *Cluster) CurrentConfig() *topology.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConfig
}

// Bucket returns the named bucket handle if it has already been opened.
func (c *Cluster) Bucket(name string) (*Bucket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[name]
	return b, ok
}

// CheckoutHTTP fetches an HTTP session for service, gated on the cluster
// having a topology (spec.md §4.8, "Execute dispatch").
func (c *Cluster) CheckoutHTTP(service httpsession.Service, opts httppool.CheckoutOptions, done func(*httpsession.Session, error)) {
	c.httpPool.Checkout(service, opts, done)
}

// CheckInHTTP returns session to the pool (spec.md §4.6, "Check-in").
func (c *Cluster) CheckInHTTP(service httpsession.Service, session *httpsession.Session, keepAlive bool) {
	seconds := int(c.opts.IdleHTTPConnectionTimeout / time.Second)
	c.httpPool.CheckIn(service, session, keepAlive, seconds, func() {})
}

// Close tears down the executor, every bucket router, the HTTP pool, and
// the telemetry reporter.
func (c *Cluster) Close() {
	c.mu.Lock()
	buckets := c.buckets
	c.buckets = make(map[string]*Bucket)
	bootstrap := c.bootstrap
	c.bootstrap = nil
	c.mu.Unlock()

	for _, b := range buckets {
		b.Close()
	}
	if bootstrap != nil {
		bootstrap.Stop("cluster_closed")
	}
	c.httpPool.Close()
	if c.runCancel != nil {
		c.runCancel()
		<-c.runDone
	}
}

func defaultKVPort(useTLS bool) int {
	if useTLS {
		return 11207
	}
	return 11210
}
