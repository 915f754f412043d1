package node

import (
	"context"
	"errors"
	"flock/swarm/consensus"
	"flock/swarm/protocol"
	"flock/telemetry"

	log "github.com/sirupsen/logrus"
)

var errMissingID = errors.New("missing identifier")

// unitService answers unit-to-unit RPCs.
type unitService struct {
	node *Node
}

// RPC: Unit.Register
func (s *unitService) Register(ctx context.Context, req *protocol.RegisterMessage, res *protocol.RegisterReply) error {
	if req.UnitID.IsZero() {
		return errMissingID
	}

	n := s.node
	if _, err := n.Engine.Register(ctx, req.UnitID, req.Address, req.PublicKey, req.Observation); err != nil {
		return err
	}
	if req.UnitID != n.ID() {
		n.State.AddPeer(req.Address)
	}

	units, err := n.Engine.Units(ctx)
	if err != nil {
		return err
	}

	res.UnitID = n.ID()
	for _, u := range units {
		res.Peers = append(res.Peers, protocol.UnitInfo{UnitID: u.ID, Address: u.Address})
	}
	return nil
}

// RPC: Unit.Heartbeat
func (s *unitService) Heartbeat(ctx context.Context, req *protocol.HeartbeatMessage, res *protocol.HeartbeatReply) error {
	if err := s.node.Engine.Heartbeat(ctx, req.UnitID, req.Observation); err != nil {
		return err
	}
	res.UnitID = s.node.ID()
	return nil
}

// RPC: Unit.Propose
func (s *unitService) Propose(req *protocol.ProposeMessage, res *protocol.AckMessage) error {
	log.Debugf("Unit.Propose round %d from %s", req.RoundID, req.From.Short())
	*res = *s.node.answer(req)
	return nil
}

// flockService answers ground stations.
type flockService struct {
	node *Node
}

// RPC: Flock.Request
func (s *flockService) Request(ctx context.Context, req *protocol.RequestMessage, res *protocol.ResponseMessage) error {
	if req.CorrelationID.IsZero() {
		return errMissingID
	}

	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	ctx, cancel := context.WithTimeout(ctx, s.node.requestTimeout)
	defer cancel()

	res.CorrelationID = req.CorrelationID

	resp, err := s.node.Engine.RunRound(ctx, req.CorrelationID)
	var serr *consensus.ServiceError
	switch {
	case errors.As(err, &serr):
		telemetry.RequestsTotal.WithLabelValues(string(serr.Reason)).Inc()
		log.Warnf("Flock.Request %s: %v", req.CorrelationID.Short(), err)
		res.RoundID = serr.RoundID
		res.Failure = serr.Reason
		return nil
	case err != nil:
		telemetry.RequestsTotal.WithLabelValues("error").Inc()
		return err
	}

	telemetry.RequestsTotal.WithLabelValues("ok").Inc()
	res.RoundID = resp.RoundID
	res.Value = resp.Value
	res.Participants = resp.Participants
	res.Signers = resp.Signers
	res.PublicKey = resp.PublicKey
	res.Signature = resp.Signature
	return nil
}
