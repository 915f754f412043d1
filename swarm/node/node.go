// Package node hosts one flock unit: its RPC server, consensus engine and discovery loops.
package node

import (
	"context"
	"errors"
	"flock/config"
	"flock/datamodel/round"
	"flock/discovery"
	"flock/helper/timer"
	"flock/keys"
	"flock/net/crpc"
	"flock/net/mpubsub"
	"flock/oid"
	"flock/swarm/consensus"
	"flock/swarm/protocol"
	"flock/swarm/registry"
	"flock/swarm/state"
	"flock/telemetry"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// Maximum number of peers contacted at once on every heartbeat tick
const heartbeatFanout = 8

// Register is re-announced over multicast every this many heartbeats
const gossipRegisterEvery = 5

type Option func(*Node)

// WithListener serves RPC on an already bound listener instead of the configured address.
func WithListener(l net.Listener) Option {
	return func(n *Node) { n.listener = l }
}

// WithJournal records decided rounds in j. The node closes j when Run returns.
func WithJournal(j round.Journal) Option {
	return func(n *Node) { n.journal = j }
}

type Node struct {
	State  *state.NodeState
	Engine *consensus.Engine

	// Networking
	RpcServer *crpc.Server
	PubSub    *mpubsub.PubSub
	Etcd      *clientv3.Client

	signer *keys.Signer

	heartbeatInterval time.Duration
	peerTimeout       time.Duration
	requestTimeout    time.Duration
	metricsAddr       string
	etcdPrefix        string
	leaseTTL          time.Duration

	listener net.Listener
	journal  round.Journal
	peers    *peerPool

	seeds map[string]bool

	mu       sync.Mutex
	joined   map[string]bool      // Peer addresses that accepted our Register
	lastSeen map[string]time.Time // Last successful contact, or first attempt
	ticks    int

	stopCtx context.Context
	stop    context.CancelFunc
}

func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	n := &Node{
		heartbeatInterval: cfg.Consensus.HeartbeatInterval.Std(),
		peerTimeout:       cfg.Consensus.PeerTimeout.Std(),
		requestTimeout:    cfg.Consensus.RequestTimeout.Std(),
		metricsAddr:       cfg.Network.MetricsListenAddress,
		etcdPrefix:        cfg.Discovery.EtcdPrefix,
		leaseTTL:          cfg.Discovery.LeaseTTL.Std(),
		peers:             newPeerPool(cfg.Consensus.HeartbeatInterval.Std()),
		seeds:             make(map[string]bool),
		joined:            make(map[string]bool),
		lastSeen:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.stopCtx, n.stop = context.WithCancel(context.Background())

	// Identity
	id := cfg.Node.UnitID
	if id.IsZero() {
		rid, err := oid.Random(oid.OidTypeUnit)
		if err != nil {
			return nil, err
		}
		id = *rid
	}

	n.signer = cfg.Node.Key.Signer
	if n.signer == nil {
		signer, err := keys.Generate()
		if err != nil {
			return nil, err
		}
		log.Warn("No signing key configured, acks are signed with an ephemeral key")
		n.signer = signer
	}

	// Only a failure to bind is fatal
	station := cfg.Station()
	if n.listener == nil {
		l, err := net.Listen("tcp", station.ListenAddress())
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", station.ListenAddress(), err)
		}
		n.listener = l
	}
	n.RpcServer = crpc.NewServer(n.listener)

	advertised := cfg.Network.AdvertisedAddress
	if advertised == "" {
		advertised = n.RpcServer.AdvertisedAddr()
	}

	n.State = state.New(id, advertised, cfg.Consensus.SlotDuration.Std())
	if cfg.Node.Observation != "" {
		n.State.SetObservation([]byte(cfg.Node.Observation))
	}
	for _, seed := range cfg.Network.Seeds {
		n.seeds[seed] = true
		n.State.AddPeer(seed)
	}

	var engineOpts []consensus.Option
	if n.journal != nil {
		engineOpts = append(engineOpts, consensus.WithJournal(n.journal))
	}
	n.Engine = consensus.New(consensus.Config{
		UnitID:           id,
		PeerTimeout:      station.PeerTimeout,
		RoundTimeout:     station.RoundTimeout,
		ArchiveRetention: cfg.Consensus.ArchiveRetention.Std(),
	}, &transport{self: id, answer: n.answer, pool: n.peers}, engineOpts...)

	// Set up RPC Server
	if err := n.RpcServer.RegisterName("Unit", &unitService{node: n}); err != nil {
		n.listener.Close()
		return nil, err
	}
	if err := n.RpcServer.RegisterName("Flock", &flockService{node: n}); err != nil {
		n.listener.Close()
		return nil, err
	}

	// Set up PubSub
	if cfg.Network.PubSubMulticastAddress != "" {
		ps, err := mpubsub.Open(cfg.Network.PubSubMulticastAddress)
		if err != nil {
			n.listener.Close()
			return nil, err
		}
		if err := ps.RegisterName("Gossip", &gossipService{node: n}); err != nil {
			ps.Close()
			n.listener.Close()
			return nil, err
		}
		n.PubSub = ps
	}

	// Set up etcd discovery
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.Discovery.EtcdEndpoints)
		if err != nil {
			n.listener.Close()
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		n.Etcd = cli
	}

	log.WithFields(log.Fields{
		"unit":    id.Short(),
		"address": advertised,
		"seeds":   cfg.Network.Seeds,
	}).Infof("I am %s, listening on %s", id.String(), n.listener.Addr())

	return n, nil
}

func (n *Node) ID() oid.Oid {
	return n.State.ID()
}

// Addr returns the address other units and ground stations dial.
func (n *Node) Addr() string {
	return n.State.Address()
}

// PublicKey returns the key that verifies this unit's acks.
func (n *Node) PublicKey() keys.PubKey {
	return n.signer.PubKey()
}

// answer builds this unit's signed Ack to a Propose.
func (n *Node) answer(msg *protocol.ProposeMessage) *protocol.AckMessage {
	obs := n.State.Observation()
	return &protocol.AckMessage{
		RoundID:     msg.RoundID,
		UnitID:      n.ID(),
		Observation: obs,
		Signature:   n.signer.Sign(protocol.SignedContent(msg.RoundID, msg.CorrelationID, obs)),
	}
}

// Shutdown stops a running node. Open and queued requests fail as cancelled.
func (n *Node) Shutdown() {
	n.stop()
}

// Run serves until ctx is cancelled or Shutdown is called.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.stopCtx, cancel)
	defer stop()

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Engine.Run(cctx)
	})

	wg.Go(func() error {
		return n.RpcServer.Serve(cctx)
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration:  n.heartbeatInterval,
			Jitter:    n.heartbeatInterval / 10,
			Immediate: true,
		}
		return timer.RunWithTicker(cctx, interval, n.heartbeat)
	})

	if n.PubSub != nil {
		wg.Go(func() error {
			return n.PubSub.Listen(cctx)
		})
	}

	if n.metricsAddr != "" {
		wg.Go(func() error {
			return n.serveMetrics(cctx)
		})
	}

	if n.Etcd != nil {
		wg.Go(func() error {
			return discovery.Run(cctx, n.Etcd, n.etcdPrefix, n.ID(), n.Addr(), n.leaseTTL, n.discovered)
		})
	}

	err := wg.Wait()

	n.peers.Close()
	if n.PubSub != nil {
		n.PubSub.Close()
	}
	if n.Etcd != nil {
		n.Etcd.Close()
	}
	if n.journal != nil {
		if cerr := n.journal.Close(); cerr != nil {
			log.Errorf("Failed to close journal: %v", cerr)
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// heartbeat runs on every tick: refresh ourselves, then register with or heartbeat every known peer.
func (n *Node) heartbeat(ctx context.Context) error {
	obs := n.State.Observation()

	if _, err := n.Engine.Register(ctx, n.ID(), n.Addr(), n.PublicKey(), obs); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("Failed to refresh own registration: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(heartbeatFanout)
	for _, addr := range n.State.Peers() {
		g.Go(func() error {
			n.contact(gctx, addr, obs)
			return nil
		})
	}
	g.Wait()

	if n.PubSub != nil {
		n.gossip(obs)
	}
	return nil
}

func (n *Node) contact(ctx context.Context, addr string, obs []byte) {
	ctx, cancel := context.WithTimeout(ctx, n.heartbeatInterval)
	defer cancel()

	c, err := n.peers.get(ctx, addr)
	if err != nil {
		log.Debugf("Peer %s unreachable: %v", addr, err)
		n.setJoined(addr, false)
		n.forgetIfStale(addr)
		return
	}

	if n.isJoined(addr) {
		_, err := c.Heartbeat(ctx, &protocol.HeartbeatMessage{UnitID: n.ID(), Observation: obs})
		if err == nil {
			n.seen(addr)
			return
		}
		if !errors.Is(err, registry.ErrUnknownUnit) {
			log.Debugf("Heartbeat to %s failed: %v", addr, err)
			n.peers.drop(addr, c)
			n.setJoined(addr, false)
			n.forgetIfStale(addr)
			return
		}
		log.Infof("Peer %s no longer knows us, registering again", addr)
	}

	reply, err := c.Register(ctx, n.registerMessage(obs))
	if err != nil {
		log.Debugf("Register with %s failed: %v", addr, err)
		n.peers.drop(addr, c)
		n.forgetIfStale(addr)
		return
	}
	n.setJoined(addr, true)
	n.seen(addr)

	for _, p := range reply.Peers {
		if p.UnitID != n.ID() && n.State.AddPeer(p.Address) {
			log.Infof("Learned about %s at %s from %s", p.UnitID.Short(), p.Address, reply.UnitID.Short())
		}
	}
}

func (n *Node) gossip(obs []byte) {
	n.mu.Lock()
	n.ticks++
	announce := n.ticks%gossipRegisterEvery == 1
	n.mu.Unlock()

	if announce {
		if err := n.PubSub.Publish(protocol.TopicRegister, n.registerMessage(obs)); err != nil {
			log.Errorf("Failed to publish registration: %v", err)
		}
	}

	if err := n.PubSub.Publish(protocol.TopicHeartbeat, &protocol.HeartbeatMessage{UnitID: n.ID(), Observation: obs}); err != nil {
		log.Errorf("Failed to publish heartbeat: %v", err)
	}
}

// discovered is called for units found through etcd.
func (n *Node) discovered(id oid.Oid, addr string) {
	if id == n.ID() {
		return
	}
	if n.State.AddPeer(addr) {
		log.Infof("Discovered %s at %s via etcd", id.Short(), addr)
	}
}

func (n *Node) registerMessage(obs []byte) *protocol.RegisterMessage {
	return &protocol.RegisterMessage{UnitID: n.ID(), Address: n.Addr(), Observation: obs, PublicKey: n.PublicKey()}
}

func (n *Node) seen(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSeen[addr] = time.Now()
}

// forgetIfStale drops a learned peer address nobody answered on for a whole peer timeout.
// Seeds are kept and retried forever.
func (n *Node) forgetIfStale(addr string) {
	if n.seeds[addr] {
		return
	}

	n.mu.Lock()
	last, ok := n.lastSeen[addr]
	if !ok {
		n.lastSeen[addr] = time.Now()
	}
	stale := ok && time.Since(last) > n.peerTimeout
	if stale {
		delete(n.lastSeen, addr)
		delete(n.joined, addr)
	}
	n.mu.Unlock()

	if stale {
		n.State.RemovePeer(addr)
		log.WithFields(log.Fields{"event": "peer_forgotten", "address": addr}).Infof("Forgot peer %s, unreachable for %v", addr, n.peerTimeout)
	}
}

func (n *Node) isJoined(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joined[addr]
}

func (n *Node) setJoined(addr string, joined bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined[addr] = joined
}

func (n *Node) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              n.metricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	log.Infof("Serving metrics on %s", n.metricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return ctx.Err()
}
