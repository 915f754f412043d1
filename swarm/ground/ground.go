// Package ground is the ground station side: connect to one unit, ask once, wait for the agreed answer.
package ground

import (
	"context"
	"errors"
	"flock/oid"
	"flock/swarm/client"
	"flock/swarm/consensus"
	"flock/swarm/protocol"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultTimeout = 30 * time.Second

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingResponse
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrAlreadyUsed      = errors.New("ground client already sent its request")
	ErrResponseTimeout  = errors.New("no response before the deadline")
	ErrMismatchedAnswer = errors.New("response does not match the request")
	ErrBadSignature     = errors.New("response signature does not verify")
)

// ConnectionError reports a failure to reach the unit or a broken connection.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Client sends exactly one request. It never retries.
type Client struct {
	Address string
	Timeout time.Duration // Bounds connecting and waiting for the response

	mu    sync.Mutex
	state State
}

func New(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Address: address, Timeout: timeout}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run performs the single request. A response carrying a failure reason is returned
// together with a *consensus.ServiceError.
func (c *Client) Run(ctx context.Context) (*protocol.ResponseMessage, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrAlreadyUsed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	resp, err := c.run(ctx)
	if err != nil {
		c.setState(StateFailed)
		log.WithFields(log.Fields{"address": c.Address, "state": StateFailed}).Errorf("Request failed: %v", err)
		return resp, err
	}

	c.setState(StateDone)
	log.WithFields(log.Fields{
		"address":      c.Address,
		"round":        resp.RoundID,
		"value":        resp.Value.String(),
		"participants": len(resp.Participants),
		"signers":      len(resp.Signers),
	}).Info("Received agreed response")
	return resp, nil
}

func (c *Client) run(ctx context.Context) (*protocol.ResponseMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cli, err := client.Dial(ctx, c.Address)
	if err != nil {
		return nil, &ConnectionError{Address: c.Address, Err: err}
	}
	defer cli.Close()

	correlationID, err := oid.Random(oid.OidTypeRequest)
	if err != nil {
		return nil, err
	}

	c.setState(StateAwaitingResponse)
	log.Debugf("Sent request %s to %s", correlationID.Short(), c.Address)

	resp, err := cli.Request(ctx, &protocol.RequestMessage{CorrelationID: *correlationID})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %w", ErrResponseTimeout, err)
	case client.IsRemote(err):
		return nil, err
	case err != nil:
		return nil, &ConnectionError{Address: c.Address, Err: err}
	}

	if resp.CorrelationID != *correlationID {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrMismatchedAnswer, correlationID.Short(), resp.CorrelationID.Short())
	}
	if resp.Failure != "" {
		return resp, consensus.NewServiceError(resp.Failure, resp.RoundID, resp.CorrelationID)
	}
	if err := verify(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// verify checks that the aggregate signature covers the decided value for this round and request.
func verify(resp *protocol.ResponseMessage) error {
	if len(resp.Signers) == 0 {
		return fmt.Errorf("%w: no signers", ErrBadSignature)
	}
	msg := protocol.SignedContent(resp.RoundID, resp.CorrelationID, resp.Value)
	if !resp.PublicKey.Verify(msg, resp.Signature) {
		return ErrBadSignature
	}
	return nil
}
