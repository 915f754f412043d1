package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// ServerError is an error returned by the remote method, as text.
type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

var ErrShutdown = errors.New("connection is shut down")

// Call represents an active RPC.
type Call struct {
	ServiceMethod string     // The name of the service and method to call.
	Args          any        // The argument to the function (*struct).
	Reply         any        // The reply from the function (*struct).
	Error         error      // After completion, the error status.
	Done          chan *Call // Receives *Call when Go is complete.
	seq           uint64
}

type Client struct {
	conn    io.ReadWriteCloser
	sending sync.Mutex // serialises request writes
	encoder *cbor.Encoder

	mutex    sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool // user has called Close
	shutdown bool // server has told us to stop
}

func (client *Client) send(call *Call) {
	// Register this call.
	client.mutex.Lock()
	if client.closing || client.shutdown {
		client.mutex.Unlock()
		call.Error = ErrShutdown
		call.done()
		return
	}
	seq := client.seq
	client.seq++
	client.pending[seq] = call
	call.seq = seq
	client.mutex.Unlock()

	req := &RequestHeader{
		Method: call.ServiceMethod,
		Seq:    seq,
	}

	// Header and body must go out back to back
	client.sending.Lock()
	err := client.encoder.Encode(req)
	if err == nil {
		err = client.encoder.Encode(call.Args)
	}
	client.sending.Unlock()

	if err != nil {
		client.mutex.Lock()
		call = client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()
		if call != nil {
			call.Error = err
			call.done()
		}
	}
}

func (call *Call) done() {
	select {
	case call.Done <- call:
		// ok
	default:
		// We don't want to block here. It is the caller's responsibility to make
		// sure the channel has enough buffer space. See comment in Go().
		log.Debugf("rpc: discarding Call reply due to insufficient Done chan capacity")
	}
}

func (client *Client) input() {
	var err error

	decoder := cbor.NewDecoder(client.conn)
	for err == nil {
		response := ResponseHeader{}
		err = decoder.Decode(&response)
		if err != nil {
			break
		}

		seq := response.Seq

		client.mutex.Lock()
		call := client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()

		switch {
		case call == nil:
			// The caller gave up on this call. Consume the body, if any, and move on.
			if response.Err == "" {
				var skip cbor.RawMessage
				err = decoder.Decode(&skip)
			}
			log.Debugf("rpc: discarding reply for abandoned sequence %d", seq)

		case response.Err != "":
			call.Error = ServerError(response.Err)
			call.done()

		default:
			err = decoder.Decode(call.Reply)
			if err != nil {
				call.Error = err
			}
			call.done()
		}
	}

	// Terminate pending calls
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.shutdown = true
	shutdownError := err
	if client.closing || err == io.EOF || errors.Is(err, net.ErrClosed) {
		shutdownError = ErrShutdown
		log.Debugf("rpc: client connection closed: %v", err)
	} else {
		log.Warnf("rpc: client input loop error: %v", err)
	}

	for _, call := range client.pending {
		call.Error = shutdownError
		call.done()
	}
	client.pending = make(map[uint64]*Call)
}

func NewClient(conn io.ReadWriteCloser) *Client {
	client := &Client{
		conn:    conn,
		encoder: cbor.NewEncoder(conn),
		pending: make(map[uint64]*Call),
	}
	go client.input()
	return client
}

// Dial connects to an RPC server at the specified network address.
func Dial(network, address string) (*Client, error) {
	return DialContext(context.Background(), network, address)
}

// DialContext connects to an RPC server, giving up when ctx expires.
func DialContext(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// Go invokes the function asynchronously. It returns the Call structure representing
// the invocation. The done channel will signal when the call is complete by returning
// the same Call object. If done is nil, Go will allocate a new channel.
// If non-nil, done must be buffered or Go will deliberately crash.
func (client *Client) Go(serviceMethod string, args any, reply any, done chan *Call) *Call {
	call := new(Call)
	call.ServiceMethod = serviceMethod
	call.Args = args
	call.Reply = reply
	if done == nil {
		done = make(chan *Call, 1) // buffered.
	} else if cap(done) == 0 {
		log.Panic("rpc: done channel is unbuffered")
	}
	call.Done = done
	client.send(call)
	return call
}

// Call invokes the named function, waits for it to complete, and returns its error status.
// If ctx ends first the call is abandoned and its reply, when it arrives, is dropped.
func (client *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	call := client.Go(serviceMethod, args, reply, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		client.mutex.Lock()
		delete(client.pending, call.seq)
		client.mutex.Unlock()
		return ctx.Err()
	case resp := <-call.Done:
		return resp.Error
	}
}

// IsShutdown reports whether the connection can no longer carry calls.
func (client *Client) IsShutdown() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.closing || client.shutdown
}

// Close calls the underlying connection's Close method.
// If the connection is already shutting down, ErrShutdown is returned.
func (client *Client) Close() error {
	client.mutex.Lock()
	if client.closing {
		client.mutex.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mutex.Unlock()
	return client.conn.Close()
}
