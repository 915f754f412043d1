// Package round holds the state of a single agreement round and the decision rule.
// A Round is not safe for concurrent use; it is owned by the consensus engine.
package round

import (
	"errors"
	"flock/datamodel/unit"
	"flock/oid"
	"time"
)

var (
	ErrStaleRound   = errors.New("stale round")
	ErrNotMember    = errors.New("unit is not a member of the round")
	ErrDuplicateAck = errors.New("duplicate ack")
)

type Status int

const (
	StatusOpen Status = iota
	StatusDecided
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusDecided:
		return "decided"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Reason explains a failed round. It is carried over the wire as a string.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTimeout   Reason = "timeout"
	ReasonNoQuorum  Reason = "no_quorum"
	ReasonCancelled Reason = "cancelled"
)

type Round struct {
	ID            uint64
	CorrelationID oid.Oid
	Members       []oid.Oid // Frozen at round start, sorted
	Proposals     map[oid.Oid]unit.Observation
	Started       time.Time
	Deadline      time.Time

	Status       Status
	Reason       Reason
	Value        unit.Observation
	Participants []oid.Oid // Proposers counted toward the decision, sorted

	members     map[oid.Oid]bool
	unreachable map[oid.Oid]bool
}

func New(id uint64, correlationID oid.Oid, members []oid.Oid, started time.Time, deadline time.Time) *Round {
	r := &Round{
		ID:            id,
		CorrelationID: correlationID,
		Members:       append([]oid.Oid(nil), members...),
		Proposals:     make(map[oid.Oid]unit.Observation),
		Started:       started,
		Deadline:      deadline,
		members:       make(map[oid.Oid]bool, len(members)),
		unreachable:   make(map[oid.Oid]bool),
	}
	oid.Sort(r.Members)
	for _, m := range r.Members {
		r.members[m] = true
	}
	return r
}

// Quorum is the strict majority of the frozen member set.
func Quorum(members int) int {
	return members/2 + 1
}

func (r *Round) Quorum() int {
	return Quorum(len(r.Members))
}

func (r *Round) IsOpen() bool {
	return r.Status == StatusOpen
}

func (r *Round) IsMember(id oid.Oid) bool {
	return r.members[id]
}

// Propose records an Ack from a member.
func (r *Round) Propose(from oid.Oid, obs unit.Observation) error {
	if !r.IsOpen() {
		return ErrStaleRound
	}
	if !r.members[from] {
		return ErrNotMember
	}
	if _, ok := r.Proposals[from]; ok {
		return ErrDuplicateAck
	}
	delete(r.unreachable, from)
	r.Proposals[from] = obs.Clone()
	return nil
}

// MarkUnreachable records that a member could not be asked. It is ignored for members that already answered.
func (r *Round) MarkUnreachable(id oid.Oid) {
	if !r.IsOpen() || !r.members[id] {
		return
	}
	if _, ok := r.Proposals[id]; ok {
		return
	}
	r.unreachable[id] = true
}

// Outstanding is the number of members that neither answered nor were found unreachable.
func (r *Round) Outstanding() int {
	return len(r.Members) - len(r.Proposals) - len(r.unreachable)
}

// Settle closes the round as soon as its outcome is fixed: a strict majority of members
// answered, or too many are unreachable for that to ever happen.
// Returns true if the round is no longer open.
func (r *Round) Settle() bool {
	if !r.IsOpen() {
		return true
	}

	if len(r.Proposals) >= r.Quorum() {
		r.decide()
		return true
	}

	if len(r.Proposals)+r.Outstanding() < r.Quorum() {
		r.fail(ReasonNoQuorum)
		return true
	}
	return false
}

// Expire applies the deadline. A round with quorum is decided on what it has, otherwise it times out.
func (r *Round) Expire(now time.Time) bool {
	if !r.IsOpen() {
		return true
	}
	if now.Before(r.Deadline) {
		return false
	}

	if len(r.Proposals) >= r.Quorum() {
		r.decide()
	} else {
		r.fail(ReasonTimeout)
	}
	return true
}

func (r *Round) Cancel() {
	if r.IsOpen() {
		r.fail(ReasonCancelled)
	}
}

func (r *Round) decide() {
	if len(r.Proposals) < r.Quorum() {
		r.fail(ReasonNoQuorum)
		return
	}

	r.Value, _ = Decide(r.Proposals)
	r.Participants = make([]oid.Oid, 0, len(r.Proposals))
	for id := range r.Proposals {
		r.Participants = append(r.Participants, id)
	}
	oid.Sort(r.Participants)
	r.Status = StatusDecided
}

func (r *Round) fail(reason Reason) {
	r.Status = StatusFailed
	r.Reason = reason
}

// Decide picks the modal observation. Ties between modal observations go to the one
// reported by the lowest UnitID; when all observations differ this is simply the value
// of the lowest UnitID. The result depends only on the set of proposals.
// The second return value is the UnitID whose report won.
func Decide(proposals map[oid.Oid]unit.Observation) (unit.Observation, oid.Oid) {
	type tally struct {
		count  int
		lowest oid.Oid
		value  unit.Observation
	}

	tallies := make(map[string]*tally)
	for id, obs := range proposals {
		t, ok := tallies[string(obs)]
		if !ok {
			tallies[string(obs)] = &tally{count: 1, lowest: id, value: obs}
			continue
		}
		t.count++
		if id.Less(t.lowest) {
			t.lowest = id
		}
	}

	var best *tally
	for _, t := range tallies {
		if best == nil || t.count > best.count || (t.count == best.count && t.lowest.Less(best.lowest)) {
			best = t
		}
	}
	if best == nil {
		return nil, oid.Oid{}
	}
	return best.value.Clone(), best.lowest
}
