package node

import (
	"context"
	"flock/swarm/protocol"
	"time"

	log "github.com/sirupsen/logrus"
)

// gossipService handles multicast announcements. Handlers run on the listener goroutine.
type gossipService struct {
	node *Node
}

func (s *gossipService) Register(msg *protocol.RegisterMessage) {
	if msg.UnitID == s.node.ID() {
		return
	}
	if s.node.State.AddPeer(msg.Address) {
		log.Infof("Gossip: discovered %s at %s", msg.UnitID.Short(), msg.Address)
	}
}

func (s *gossipService) Heartbeat(msg *protocol.HeartbeatMessage) {
	if msg.UnitID == s.node.ID() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// Units we have not been registered by are left to the RPC path.
	if err := s.node.Engine.Heartbeat(ctx, msg.UnitID, msg.Observation); err != nil {
		log.Debugf("Gossip: heartbeat from %s ignored: %v", msg.UnitID.Short(), err)
	}
}
