package crpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type EchoArgs struct {
	Text string `cbor:"1,keyasint"`
}

type EchoReply struct {
	Text string `cbor:"1,keyasint"`
}

type Echo struct {
	release chan struct{}
}

func (e *Echo) Upper(args *EchoArgs, reply *EchoReply) error {
	reply.Text = strings.ToUpper(args.Text)
	return nil
}

func (e *Echo) Fail(args *EchoArgs, reply *EchoReply) error {
	return errors.New("refused: " + args.Text)
}

func (e *Echo) Wait(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	select {
	case <-e.release:
		reply.Text = args.Text
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func startServer(t *testing.T, rcvr any) (string, context.CancelFunc) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(l)
	require.NoError(t, srv.Register(rcvr))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String(), cancel
}

func TestCall(t *testing.T) {
	addr, _ := startServer(t, &Echo{})

	cli, err := Dial("tcp", addr)
	require.NoError(t, err)
	defer cli.Close()

	reply := &EchoReply{}
	require.NoError(t, cli.Call(context.Background(), "Echo.Upper", &EchoArgs{Text: "flock"}, reply))
	require.Equal(t, "FLOCK", reply.Text)

	err = cli.Call(context.Background(), "Echo.Fail", &EchoArgs{Text: "x"}, reply)
	var serr ServerError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "refused: x", err.Error())
}

func TestUnknownMethodKeepsConnection(t *testing.T) {
	addr, _ := startServer(t, &Echo{})

	cli, err := Dial("tcp", addr)
	require.NoError(t, err)
	defer cli.Close()

	err = cli.Call(context.Background(), "Echo.Missing", &EchoArgs{Text: "x"}, &EchoReply{})
	require.ErrorAs(t, err, new(ServerError))

	reply := &EchoReply{}
	require.NoError(t, cli.Call(context.Background(), "Echo.Upper", &EchoArgs{Text: "ok"}, reply))
	require.Equal(t, "OK", reply.Text)
}

func TestSlowCallDoesNotBlockConnection(t *testing.T) {
	echo := &Echo{release: make(chan struct{})}
	addr, _ := startServer(t, echo)

	cli, err := Dial("tcp", addr)
	require.NoError(t, err)
	defer cli.Close()

	slow := cli.Go("Echo.Wait", &EchoArgs{Text: "late"}, &EchoReply{}, nil)

	reply := &EchoReply{}
	require.NoError(t, cli.Call(context.Background(), "Echo.Upper", &EchoArgs{Text: "early"}, reply))
	require.Equal(t, "EARLY", reply.Text)

	close(echo.release)
	select {
	case call := <-slow.Done:
		require.NoError(t, call.Error)
		require.Equal(t, "late", call.Reply.(*EchoReply).Text)
	case <-time.After(2 * time.Second):
		t.Fatal("slow call never completed")
	}
}

func TestCallContextAbandons(t *testing.T) {
	echo := &Echo{release: make(chan struct{})}
	addr, _ := startServer(t, echo)

	cli, err := Dial("tcp", addr)
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = cli.Call(ctx, "Echo.Wait", &EchoArgs{Text: "late"}, &EchoReply{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The late reply is dropped and the connection stays usable.
	close(echo.release)
	reply := &EchoReply{}
	require.NoError(t, cli.Call(context.Background(), "Echo.Upper", &EchoArgs{Text: "still"}, reply))
	require.Equal(t, "STILL", reply.Text)
}

func TestServerShutdown(t *testing.T) {
	echo := &Echo{release: make(chan struct{})}
	addr, cancel := startServer(t, echo)

	cli, err := Dial("tcp", addr)
	require.NoError(t, err)
	defer cli.Close()

	call := cli.Go("Echo.Wait", &EchoArgs{Text: "x"}, &EchoReply{}, nil)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case c := <-call.Done:
		require.Error(t, c.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released on shutdown")
	}
	require.Eventually(t, cli.IsShutdown, time.Second, 10*time.Millisecond)
}

func TestRegisterRejectsUnsuitable(t *testing.T) {
	srv := NewServer(nil)
	require.Error(t, srv.Register(&struct{}{}))
	require.Error(t, srv.RegisterName("Empty", &Empty{}))
}

type Empty struct{}

func (Empty) NotRPC(a int) {}
