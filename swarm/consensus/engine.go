// Package consensus runs the round-based majority agreement among flock units.
//
// The Engine owns the peer registry and the in-flight round. Both are mutated only by the
// goroutine running Engine.Run; every exported method hands a closure to that goroutine and
// waits for it, so callers always get copies and never touch engine state directly.
package consensus

import (
	"context"
	"errors"
	"flock/datamodel/round"
	"flock/datamodel/unit"
	"flock/keys"
	"flock/oid"
	"flock/swarm/protocol"
	"flock/swarm/registry"
	"flock/telemetry"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPeerTimeout      = 10 * time.Second
	DefaultRoundTimeout     = 5 * time.Second
	DefaultArchiveRetention = time.Minute
)

// Transport delivers a Propose to one member and returns its Ack.
// Implementations must honour ctx; it expires at the round deadline.
type Transport interface {
	Propose(ctx context.Context, to unit.Unit, msg *protocol.ProposeMessage) (*protocol.AckMessage, error)
}

type Config struct {
	UnitID           oid.Oid // Local unit, used as the sender of Propose messages
	PeerTimeout      time.Duration
	RoundTimeout     time.Duration
	ArchiveRetention time.Duration // How long decided responses are replayed for repeated correlation ids
}

// Response is the agreed answer to one request.
type Response struct {
	CorrelationID oid.Oid
	RoundID       uint64
	Value         unit.Observation
	Participants  []oid.Oid

	// Participants that reported Value, with their acks folded into one BLS signature
	Signers   []oid.Oid
	PublicKey keys.PubKey
	Signature []byte
}

type Option func(*Engine)

// WithClock replaces time.Now for liveness and archive bookkeeping. Round deadlines always run on real timers.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithJournal records every decided round in j.
func WithJournal(j round.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

type result struct {
	resp *Response
	err  error
}

type waiter struct {
	ch chan result // Buffered, receives exactly one result
}

type request struct {
	correlationID oid.Oid
	waiters       []*waiter
}

type signedAck struct {
	key keys.PubKey
	sig []byte
}

type inflight struct {
	round   *round.Round
	signed  map[oid.Oid]signedAck
	req     *request
	started time.Time
	timer   *time.Timer
	cancel  context.CancelFunc // Aborts outstanding Propose calls
}

type archived struct {
	res     result
	expires time.Time
}

type Engine struct {
	cfg       Config
	transport Transport
	journal   round.Journal
	now       func() time.Time
	log       *log.Entry

	cmds chan func()
	done chan struct{}

	// Owned by the Run goroutine
	ctx         context.Context
	registry    *registry.Registry
	lastRoundID uint64
	current     *inflight
	queue       []*request
	archive     map[oid.Oid]archived
	stopping    bool
}

func New(cfg Config, transport Transport, opts ...Option) *Engine {
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = DefaultArchiveRetention
	}

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		now:       time.Now,
		log:       log.WithField("unit", cfg.UnitID.Short()),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
		registry:  registry.New(),
		archive:   make(map[oid.Oid]archived),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes engine commands until ctx is cancelled. Cancellation fails the open round
// with ReasonCancelled and releases every waiting request.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case f := <-e.cmds:
			f()
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// call runs f on the engine goroutine and waits for it to complete.
func (e *Engine) call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { f(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}

	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrEngineStopped
	}
}

// post hands f to the engine goroutine without waiting for it. It returns false once the engine has stopped.
func (e *Engine) post(f func()) bool {
	select {
	case e.cmds <- f:
		return true
	case <-e.done:
		return false
	}
}

// Register adds or refreshes a unit. key verifies the unit's acks; without one its acks are refused.
// It reports whether the unit was previously unknown.
func (e *Engine) Register(ctx context.Context, id oid.Oid, address string, key keys.PubKey, obs unit.Observation) (bool, error) {
	var isNew bool
	err := e.call(ctx, func() {
		isNew = e.registry.Register(id, address, e.now())
		e.registry.SetPublicKey(id, key)
		if obs != nil {
			e.registry.Observe(id, obs)
		}
		if isNew {
			telemetry.RegistryEvents.WithLabelValues("register").Inc()
			e.log.WithFields(log.Fields{
				"event":   "unit_registered",
				"peer":    id.String(),
				"address": address,
			}).Info("Unit registered")
		}
	})
	return isNew, err
}

// Heartbeat refreshes a unit's liveness. It returns registry.ErrUnknownUnit for units that never registered or were evicted.
func (e *Engine) Heartbeat(ctx context.Context, id oid.Oid, obs unit.Observation) error {
	var herr error
	err := e.call(ctx, func() {
		herr = e.registry.Heartbeat(id, e.now())
		if herr == nil && obs != nil {
			e.registry.Observe(id, obs)
		}
	})
	if err != nil {
		return err
	}
	return herr
}

// Units returns a snapshot of every registered unit.
func (e *Engine) Units(ctx context.Context) ([]unit.Unit, error) {
	var units []unit.Unit
	err := e.call(ctx, func() {
		units = e.registry.All()
	})
	return units, err
}

// LivePeers returns a snapshot of the units currently considered live.
func (e *Engine) LivePeers(ctx context.Context) ([]unit.Unit, error) {
	var units []unit.Unit
	err := e.call(ctx, func() {
		units = e.registry.LivePeers(e.now(), e.cfg.PeerTimeout)
	})
	return units, err
}

// Ack feeds an Ack received out of band into the engine. Acks for anything but the open round
// are discarded and reported as round.ErrStaleRound.
func (e *Engine) Ack(ctx context.Context, ack *protocol.AckMessage) error {
	var aerr error
	err := e.call(ctx, func() {
		aerr = e.handleAck(ack)
	})
	if err != nil {
		return err
	}
	return aerr
}

// RunRound returns the agreed response for the request identified by correlationID.
// A repeated correlation id joins the round already running for it, or replays the cached
// response once decided. Requests with other ids wait for the open round to settle.
// ctx bounds the wait; when it expires the caller gets a ServiceError with ReasonTimeout.
func (e *Engine) RunRound(ctx context.Context, correlationID oid.Oid) (*Response, error) {
	w := &waiter{ch: make(chan result, 1)}

	err := e.call(ctx, func() {
		e.submit(correlationID, w)
	})
	switch {
	case errors.Is(err, ErrEngineStopped):
		return nil, &ServiceError{Reason: round.ReasonCancelled, CorrelationID: correlationID, Err: err}
	case err != nil:
		return nil, &ServiceError{Reason: round.ReasonTimeout, CorrelationID: correlationID, Err: err}
	}

	select {
	case res := <-w.ch:
		return res.resp, res.err
	case <-ctx.Done():
		e.post(func() { e.detach(correlationID, w) })
		select {
		case res := <-w.ch:
			return res.resp, res.err
		default:
		}
		return nil, &ServiceError{Reason: round.ReasonTimeout, CorrelationID: correlationID, Err: ctx.Err()}
	case <-e.done:
		select {
		case res := <-w.ch:
			return res.resp, res.err
		default:
		}
		return nil, &ServiceError{Reason: round.ReasonCancelled, CorrelationID: correlationID, Err: ErrEngineStopped}
	}
}

func (e *Engine) submit(correlationID oid.Oid, w *waiter) {
	now := e.now()
	e.expireArchive(now)

	if a, ok := e.archive[correlationID]; ok {
		e.log.WithFields(log.Fields{
			"event":          "request_replayed",
			"correlation_id": correlationID.String(),
			"round":          a.res.resp.RoundID,
		}).Info("Replaying decided response")
		w.ch <- a.res
		return
	}

	if e.current != nil && e.current.req.correlationID == correlationID {
		e.current.req.waiters = append(e.current.req.waiters, w)
		return
	}

	for _, q := range e.queue {
		if q.correlationID == correlationID {
			q.waiters = append(q.waiters, w)
			return
		}
	}

	req := &request{correlationID: correlationID, waiters: []*waiter{w}}
	if e.current != nil {
		e.log.WithFields(log.Fields{
			"correlation_id": correlationID.String(),
			"behind_round":   e.current.round.ID,
			"queued":         len(e.queue) + 1,
		}).Debug("Request queued behind open round")
		e.queue = append(e.queue, req)
		return
	}

	e.start(req)
}

// detach forgets a waiter whose caller gave up. The round it was waiting for keeps running.
func (e *Engine) detach(correlationID oid.Oid, w *waiter) {
	if e.current != nil && e.current.req.correlationID == correlationID {
		e.current.req.waiters = removeWaiter(e.current.req.waiters, w)
		return
	}
	for i, q := range e.queue {
		if q.correlationID != correlationID {
			continue
		}
		q.waiters = removeWaiter(q.waiters, w)
		if len(q.waiters) == 0 {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
		}
		return
	}
}

func removeWaiter(ws []*waiter, w *waiter) []*waiter {
	for i, x := range ws {
		if x == w {
			return append(ws[:i], ws[i+1:]...)
		}
	}
	return ws
}

func (e *Engine) start(req *request) {
	now := e.now()
	e.evictStale(now)

	live := e.registry.LivePeers(now, e.cfg.PeerTimeout)
	telemetry.LiveUnits.Set(float64(len(live)))

	if len(live) == 0 {
		telemetry.RoundsTotal.WithLabelValues(string(round.ReasonNoQuorum)).Inc()
		e.log.WithFields(log.Fields{
			"event":          "round_failed",
			"correlation_id": req.correlationID.String(),
			"reason":         round.ReasonNoQuorum,
		}).Warn("No live units, refusing to start a round")
		e.deliver(req, result{err: NewServiceError(round.ReasonNoQuorum, 0, req.correlationID)})
		e.next()
		return
	}

	members := make([]oid.Oid, len(live))
	for i, u := range live {
		members[i] = u.ID
	}

	e.lastRoundID++
	id := e.lastRoundID
	r := round.New(id, req.correlationID, members, now, now.Add(e.cfg.RoundTimeout))

	pctx, cancel := context.WithTimeout(e.ctx, e.cfg.RoundTimeout)
	e.current = &inflight{
		round:   r,
		signed:  make(map[oid.Oid]signedAck, len(members)),
		req:     req,
		started: time.Now(),
		cancel:  cancel,
		timer: time.AfterFunc(e.cfg.RoundTimeout, func() {
			e.post(func() { e.expire(id) })
		}),
	}

	e.log.WithFields(log.Fields{
		"event":          "round_started",
		"round":          id,
		"correlation_id": req.correlationID.String(),
		"members":        len(members),
		"quorum":         r.Quorum(),
		"deadline":       r.Deadline,
	}).Info("Round started")

	msg := protocol.ProposeMessage{
		RoundID:       id,
		CorrelationID: req.correlationID,
		From:          e.cfg.UnitID,
	}
	for _, u := range live {
		go e.propose(pctx, u, msg)
	}
}

func (e *Engine) propose(ctx context.Context, to unit.Unit, msg protocol.ProposeMessage) {
	ack, err := e.transport.Propose(ctx, to, &msg)
	if err == nil && ack.UnitID != to.ID {
		err = errors.New("ack from unexpected unit " + ack.UnitID.String())
	}
	if err != nil {
		if ctx.Err() != nil {
			// The round deadline or shutdown settles the round.
			return
		}
		e.post(func() { e.unreachable(msg.RoundID, to, err) })
		return
	}
	e.post(func() {
		// A member whose answer cannot be trusted counts as not answering.
		if err := e.handleAck(ack); errors.Is(err, ErrBadSignature) {
			e.unreachable(msg.RoundID, to, err)
		}
	})
}

func (e *Engine) unreachable(roundID uint64, to unit.Unit, err error) {
	if e.current == nil || e.current.round.ID != roundID || !e.current.round.IsOpen() {
		return
	}
	e.log.WithFields(log.Fields{
		"round":   roundID,
		"peer":    to.ID.String(),
		"address": to.Address,
	}).Warnf("Propose failed: %v", err)
	e.current.round.MarkUnreachable(to.ID)
	e.settle()
}

func (e *Engine) handleAck(ack *protocol.AckMessage) error {
	if e.current == nil || e.current.round.ID != ack.RoundID {
		telemetry.AcksTotal.WithLabelValues("stale").Inc()
		e.log.WithFields(log.Fields{
			"event": "ack_discarded",
			"round": ack.RoundID,
			"peer":  ack.UnitID.String(),
		}).Debug("Discarding ack for a round that is not open")
		return round.ErrStaleRound
	}

	r := e.current.round
	u, known := e.registry.Get(ack.UnitID)
	if !known || !u.PublicKey.Verify(protocol.SignedContent(ack.RoundID, r.CorrelationID, ack.Observation), ack.Signature) {
		telemetry.AcksTotal.WithLabelValues("bad_signature").Inc()
		e.log.WithFields(log.Fields{
			"event": "ack_discarded",
			"round": ack.RoundID,
			"peer":  ack.UnitID.String(),
		}).Warn("Discarding ack with a signature that does not verify")
		return ErrBadSignature
	}

	if err := r.Propose(ack.UnitID, ack.Observation); err != nil {
		label := "rejected"
		switch {
		case errors.Is(err, round.ErrDuplicateAck):
			label = "duplicate"
		case errors.Is(err, round.ErrStaleRound):
			label = "stale"
		}
		telemetry.AcksTotal.WithLabelValues(label).Inc()
		e.log.WithFields(log.Fields{
			"event": "ack_discarded",
			"round": ack.RoundID,
			"peer":  ack.UnitID.String(),
		}).Debugf("Discarding ack: %v", err)
		return err
	}

	telemetry.AcksTotal.WithLabelValues("accepted").Inc()
	e.current.signed[ack.UnitID] = signedAck{key: u.PublicKey, sig: ack.Signature}
	e.registry.Observe(ack.UnitID, ack.Observation)
	e.settle()
	return nil
}

func (e *Engine) expire(roundID uint64) {
	if e.current == nil || e.current.round.ID != roundID {
		return
	}
	// The round timer firing is what marks the deadline as passed.
	if e.current.round.Expire(e.current.round.Deadline) {
		e.finish()
	}
}

func (e *Engine) settle() {
	if e.current.round.Settle() {
		e.finish()
	}
}

// finish delivers the outcome of the current round and moves on to the next queued request.
func (e *Engine) finish() {
	cur := e.current
	e.current = nil
	cur.timer.Stop()
	cur.cancel()

	r := cur.round
	telemetry.RoundDuration.Observe(time.Since(cur.started).Seconds())

	switch r.Status {
	case round.StatusDecided:
		resp := &Response{
			CorrelationID: r.CorrelationID,
			RoundID:       r.ID,
			Value:         r.Value.Clone(),
			Participants:  append([]oid.Oid(nil), r.Participants...),
		}
		resp.Signers, resp.PublicKey, resp.Signature = e.aggregate(cur)
		telemetry.RoundsTotal.WithLabelValues("decided").Inc()
		e.log.WithFields(log.Fields{
			"event":          "round_decided",
			"round":          r.ID,
			"correlation_id": r.CorrelationID.String(),
			"value":          r.Value.String(),
			"participants":   len(r.Participants),
			"members":        len(r.Members),
		}).Info("Round decided")

		e.record(r)
		res := result{resp: resp}
		e.archive[r.CorrelationID] = archived{res: res, expires: e.now().Add(e.cfg.ArchiveRetention)}
		e.deliver(cur.req, res)

	default:
		telemetry.RoundsTotal.WithLabelValues(string(r.Reason)).Inc()
		e.log.WithFields(log.Fields{
			"event":          "round_failed",
			"round":          r.ID,
			"correlation_id": r.CorrelationID.String(),
			"reason":         r.Reason,
			"acks":           len(r.Proposals),
			"quorum":         r.Quorum(),
		}).Warn("Round failed")
		e.deliver(cur.req, result{err: NewServiceError(r.Reason, r.ID, r.CorrelationID)})
	}

	e.next()
}

// aggregate folds the signatures of the participants that reported the decided value.
func (e *Engine) aggregate(cur *inflight) ([]oid.Oid, keys.PubKey, []byte) {
	r := cur.round

	var signers []oid.Oid
	var pubs []keys.PubKey
	var sigs [][]byte
	for _, id := range r.Participants {
		if !r.Proposals[id].Equal(r.Value) {
			continue
		}
		s := cur.signed[id]
		signers = append(signers, id)
		pubs = append(pubs, s.key)
		sigs = append(sigs, s.sig)
	}

	pub, sig, err := keys.Aggregate(pubs, sigs)
	if err != nil {
		e.log.Errorf("Failed to aggregate signatures of round %d: %v", r.ID, err)
		return nil, nil, nil
	}
	return signers, pub, sig
}

func (e *Engine) record(r *round.Round) {
	if e.journal == nil {
		return
	}
	rec, err := e.journal.Append(round.NewRecord(r, e.now()))
	if err != nil {
		e.log.Errorf("Failed to journal round %d: %v", r.ID, err)
		return
	}
	e.log.Debugf("Journaled round %d as record %d", r.ID, rec.SequenceNumber)
}

func (e *Engine) deliver(req *request, res result) {
	for _, w := range req.waiters {
		w.ch <- res
	}
	req.waiters = nil
}

func (e *Engine) next() {
	for !e.stopping && e.current == nil && len(e.queue) > 0 {
		req := e.queue[0]
		e.queue = e.queue[1:]
		if len(req.waiters) == 0 {
			continue
		}
		e.start(req)
	}
}

func (e *Engine) evictStale(now time.Time) {
	for _, u := range e.registry.EvictStale(now, e.cfg.PeerTimeout) {
		telemetry.RegistryEvents.WithLabelValues("evict").Inc()
		e.log.WithFields(log.Fields{
			"event":     "unit_evicted",
			"peer":      u.ID.String(),
			"address":   u.Address,
			"last_seen": u.LastSeen,
		}).Info("Unit evicted")
	}
}

func (e *Engine) expireArchive(now time.Time) {
	for id, a := range e.archive {
		if now.After(a.expires) {
			delete(e.archive, id)
		}
	}
}

func (e *Engine) shutdown() {
	e.stopping = true

	if e.current != nil {
		e.current.round.Cancel()
		e.finish()
	}

	for _, req := range e.queue {
		e.deliver(req, result{err: NewServiceError(round.ReasonCancelled, 0, req.correlationID)})
	}
	e.queue = nil
}
