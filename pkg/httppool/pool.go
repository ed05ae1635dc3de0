// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httppool implements the per-service HTTP session pool: disjoint
// idle/busy/pending sets, node-affinity checkout, and deferred dispatch
// until the cluster has a topology (spec.md §4.6, C9).
package httppool

import (
	"crypto/rand"
	"math/big"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nitrokv/nitrokv-go/internal/executor"
	"github.com/nitrokv/nitrokv-go/pkg/httpsession"
	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/topology"
)

// serviceKey is the topology `services` map key for a given httpsession.Service.
var serviceKey = map[httpsession.Service]string{
	httpsession.ServiceQuery:      "n1ql",
	httpsession.ServiceSearch:     "fts",
	httpsession.ServiceAnalytics:  "cbas",
	httpsession.ServiceViews:      "capi",
	httpsession.ServiceManagement: "mgmt",
}

// Dialer creates a new session bound to node for the given service.
type Dialer func(service httpsession.Service, node topology.Node) (*httpsession.Session, error)

// CheckoutOptions narrows which node a checkout prefers or avoids
// (spec.md §4.6, "Checkout").
type CheckoutOptions struct {
	Preferred string // address or "host:port" affinity hint
	Undesired string
}

// DeferredCommand is a checkout request queued because the cluster has no
// topology yet.
type DeferredCommand struct {
	Service httpsession.Service
	Opts    CheckoutOptions
	Done    func(*httpsession.Session, error)
}

type servicePool struct {
	idle      []*httpsession.Session
	busy      map[*httpsession.Session]bool
	pending   map[string]bool // addresses currently connecting
	nextIndex int
}

func newServicePool() *servicePool {
	return &servicePool{busy: make(map[*httpsession.Session]bool), pending: make(map[string]bool)}
}

// Pool owns every HTTP session across all secondary services.
type Pool struct {
	log           *zap.Logger
	exec          *executor.Executor
	dial          Dialer
	lastBootstrap error

	mu       sync.Mutex
	nodes    []topology.Node
	pools    map[httpsession.Service]*servicePool
	deferred []DeferredCommand
}

// New returns an empty Pool with no topology yet.
func New(log *zap.Logger, exec *executor.Executor, dial Dialer) *Pool {
	return &Pool{
		log:   log,
		exec:  exec,
		dial:  dial,
		pools: make(map[httpsession.Service]*servicePool),
	}
}

func (p *Pool) poolFor(service httpsession.Service) *servicePool {
	sp, ok := p.pools[service]
	if !ok {
		sp = newServicePool()
		p.pools[service] = sp
	}
	return sp
}

// OnTopologyUpdate records the current node list and replays any deferred
// checkout requests (spec.md §4.6, "Deferred dispatch").
func (p *Pool) OnTopologyUpdate(nodes []topology.Node) {
	p.mu.Lock()
	p.nodes = nodes
	pending := p.deferred
	p.deferred = nil
	p.mu.Unlock()

	for _, cmd := range pending {
		p.Checkout(cmd.Service, cmd.Opts, cmd.Done)
	}
}

// RecordBootstrapError fast-fails future checkouts until the next successful
// topology update (spec.md §4.6: "may fast-fail").
func (p *Pool) RecordBootstrapError(err error) {
	p.mu.Lock()
	p.lastBootstrap = err
	p.mu.Unlock()
}

// Checkout selects a session for service per the node-affinity algorithm,
// or defers the request if no topology has arrived yet.
func (p *Pool) Checkout(service httpsession.Service, opts CheckoutOptions, done func(*httpsession.Session, error)) {
	p.mu.Lock()
	if p.nodes == nil {
		if p.lastBootstrap != nil {
			err := p.lastBootstrap
			p.mu.Unlock()
			done(nil, err)
			return
		}
		p.deferred = append(p.deferred, DeferredCommand{Service: service, Opts: opts, Done: done})
		p.mu.Unlock()
		return
	}

	candidates := p.candidateNodesLocked(service, opts)
	sp := p.poolFor(service)

	if opts.Preferred != "" {
		for i, s := range sp.idle {
			if matchesAffinity(s, opts.Preferred) {
				sp.idle = append(sp.idle[:i], sp.idle[i+1:]...)
				sp.busy[s] = true
				s.ResetIdle()
				p.mu.Unlock()
				done(s, nil)
				return
			}
		}
		node, ok := findNodeByAffinity(candidates, opts.Preferred)
		if !ok {
			p.mu.Unlock()
			done(nil, kverr.ServiceNotAvailable.New("no node matches preferred %q for service", opts.Preferred))
			return
		}
		p.dialAndTrack(service, node, sp, done)
		p.mu.Unlock()
		return
	}

	if len(candidates) == 0 {
		p.mu.Unlock()
		done(nil, kverr.ServiceNotAvailable.New("no node exposes the requested service"))
		return
	}

	var node topology.Node
	if opts.Undesired != "" {
		node = candidates[randomIndex(len(candidates))]
	} else {
		node = pickRoundRobin(candidates, sp)
	}
	p.dialAndTrack(service, node, sp, done)
	p.mu.Unlock()
}

// candidateNodesLocked returns nodes exposing service, excluding undesired
// when no preferred node is set (spec.md §4.6 step 1).
func (p *Pool) candidateNodesLocked(service httpsession.Service, opts CheckoutOptions) []topology.Node {
	key := serviceKey[service]
	var out []topology.Node
	for _, n := range p.nodes {
		if _, ok := n.Services[key]; !ok {
			continue
		}
		if opts.Preferred == "" && opts.Undesired != "" && affinityMatches(n, opts.Undesired) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (p *Pool) dialAndTrack(service httpsession.Service, node topology.Node, sp *servicePool, done func(*httpsession.Session, error)) {
	addr := node.Hostname
	sp.pending[addr] = true
	go func() {
		session, err := p.dial(service, node)
		p.mu.Lock()
		delete(sp.pending, addr)
		if err != nil {
			p.mu.Unlock()
			p.exec.Post(func() { done(nil, kverr.ServiceNotAvailable.Wrap(err)) })
			return
		}
		sp.busy[session] = true
		p.mu.Unlock()
		p.exec.Post(func() { done(session, nil) })
	}()
}

// CheckIn returns session to the idle set if it may be kept alive and its
// node is still in the topology; otherwise it is stopped (spec.md §4.6,
// "Check-in").
func (p *Pool) CheckIn(service httpsession.Service, session *httpsession.Session, keepAlive bool, idleTimeoutSeconds int, onIdle func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp := p.poolFor(service)
	delete(sp.busy, session)

	if !keepAlive || !p.nodeStillPresentLocked(session.Addr()) {
		session.Close()
		return
	}

	sp.idle = append(sp.idle, session)
	session.SetIdle(time.Duration(idleTimeoutSeconds)*time.Second, func() {
		p.evictIdle(service, session)
		onIdle()
	})
}

func (p *Pool) nodeStillPresentLocked(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	for _, n := range p.nodes {
		if n.Hostname == host {
			return true
		}
	}
	return false
}

func (p *Pool) evictIdle(service httpsession.Service, session *httpsession.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := p.poolFor(service)
	for i, s := range sp.idle {
		if s == session {
			sp.idle = append(sp.idle[:i], sp.idle[i+1:]...)
			break
		}
	}
	session.Close()
}

// Close stops every tracked session and drops all pool state
// (spec.md §4.6, "Close").
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.pools {
		for _, s := range sp.idle {
			s.Close()
		}
		for s := range sp.busy {
			s.Close()
		}
	}
	p.pools = make(map[httpsession.Service]*servicePool)
	for _, cmd := range p.deferred {
		done := cmd.Done
		go done(nil, kverr.ServiceNotAvailable.New("pool closed"))
	}
	p.deferred = nil
}

func matchesAffinity(s *httpsession.Session, affinity string) bool {
	return s.Addr() == affinity
}

func affinityMatches(n topology.Node, affinity string) bool {
	return n.Hostname == affinity
}

func findNodeByAffinity(nodes []topology.Node, affinity string) (topology.Node, bool) {
	host := affinity
	if h, _, err := net.SplitHostPort(affinity); err == nil {
		host = h
	}
	for _, n := range nodes {
		if n.Hostname == host {
			return n, true
		}
	}
	return topology.Node{}, false
}

// pickRoundRobin advances sp.nextIndex across candidates, skipping nothing
// further (candidates is already filtered to nodes exposing the service).
func pickRoundRobin(candidates []topology.Node, sp *servicePool) topology.Node {
	idx := sp.nextIndex % len(candidates)
	sp.nextIndex = (sp.nextIndex + 1) % len(candidates)
	return candidates[idx]
}

// randomIndex returns a cryptographically random index in [0, n) used when
// picking a random node to exclude an undesired one (spec.md §4.6 step 1).
func randomIndex(n int) int {
	if n <= 0 {
		return 0
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(idx.Int64())
}
