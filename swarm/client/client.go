// Package client is a typed wrapper over crpc for the flock wire methods.
package client

import (
	"context"
	"errors"
	"flock/datamodel/round"
	"flock/net/crpc"
	"flock/swarm/protocol"
	"flock/swarm/registry"
)

type Client struct {
	*crpc.Client
	Address string
}

func Dial(ctx context.Context, address string) (*Client, error) {
	rpcc, err := crpc.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &Client{Client: rpcc, Address: address}, nil
}

func (c *Client) Register(ctx context.Context, req *protocol.RegisterMessage) (*protocol.RegisterReply, error) {
	res := &protocol.RegisterReply{}
	if err := c.Call(ctx, protocol.MethodRegister, req, res); err != nil {
		return nil, remoteError(err)
	}
	return res, nil
}

// Heartbeat returns registry.ErrUnknownUnit when the remote unit does not know the sender.
func (c *Client) Heartbeat(ctx context.Context, req *protocol.HeartbeatMessage) (*protocol.HeartbeatReply, error) {
	res := &protocol.HeartbeatReply{}
	if err := c.Call(ctx, protocol.MethodHeartbeat, req, res); err != nil {
		return nil, remoteError(err)
	}
	return res, nil
}

func (c *Client) Propose(ctx context.Context, req *protocol.ProposeMessage) (*protocol.AckMessage, error) {
	res := &protocol.AckMessage{}
	if err := c.Call(ctx, protocol.MethodPropose, req, res); err != nil {
		return nil, remoteError(err)
	}
	return res, nil
}

func (c *Client) Request(ctx context.Context, req *protocol.RequestMessage) (*protocol.ResponseMessage, error) {
	res := &protocol.ResponseMessage{}
	if err := c.Call(ctx, protocol.MethodRequest, req, res); err != nil {
		return nil, remoteError(err)
	}
	return res, nil
}

// Errors the remote side may send back by text
var knownErrors = []error{
	registry.ErrUnknownUnit,
	round.ErrStaleRound,
}

func remoteError(err error) error {
	var serr crpc.ServerError
	if !errors.As(err, &serr) {
		return err
	}
	for _, known := range knownErrors {
		if string(serr) == known.Error() {
			return known
		}
	}
	return err
}

// IsRemote reports whether err came from the remote method rather than the connection.
func IsRemote(err error) bool {
	var serr crpc.ServerError
	if errors.As(err, &serr) {
		return true
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
