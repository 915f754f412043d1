// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to a registered callback.
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/token"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// MaxDatagramSize bounds a single published message.
const MaxDatagramSize = 8192

var ErrMessageTooLarge = errors.New("mpubsub: message exceeds datagram size")

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handlerType struct {
	method  reflect.Method
	argType reflect.Type
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

type PubSub struct {
	rc         *net.UDPConn
	wc         *net.UDPConn
	serviceMap sync.Map
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

// Open joins the multicast group at groupAddress for both reading and writing.
func Open(groupAddress string) (*PubSub, error) {
	groupAddr, err := net.ResolveUDPAddr("udp", groupAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast address %s: %w", groupAddress, err)
	}

	rc, err := net.ListenMulticastUDP("udp", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", groupAddress, err)
	}

	wc, err := net.DialUDP("udp", nil, groupAddr)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to dial multicast group %s: %w", groupAddress, err)
	}

	return New(rc, wc), nil
}

// Register subscribes the exported methods of rcvr to "<Type>.<Method>" topics.
func (ps *PubSub) Register(rcvr any) error {
	return ps.RegisterName(reflect.Indirect(reflect.ValueOf(rcvr)).Type().Name(), rcvr)
}

// RegisterName is like Register but uses the provided name for the topics.
// Suitable handlers look like func (t *T) Method(msg *Msg).
func (ps *PubSub) RegisterName(sname string, rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.sub = reflect.ValueOf(rcvr)
	if sname == "" {
		return fmt.Errorf("mpubsub.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("mpubsub.Register: type %q is not exported", sname)
	}
	s.name = sname

	// Install the methods
	s.methods = suitableHandlers(s.typ)
	if len(s.methods) == 0 {
		return errors.New("mpubsub.Register: type " + sname + " has no exported methods of suitable type")
	}
	if _, dup := ps.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("mpubsub: service already defined: " + sname)
	}

	for m := range s.methods {
		log.Debugf("mpubsub.Register: %s.%s", sname, m)
	}
	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		// Method must be exported.
		if !method.IsExported() {
			continue
		}
		// Method needs two ins: receiver, *args.
		if mtype.NumIn() != 2 {
			log.Debugf("mpubsub.Register: skipping method %q with %d input parameters", mname, mtype.NumIn())
			continue
		}
		// First arg must be a pointer.
		argType := mtype.In(1)
		if argType.Kind() != reflect.Pointer {
			log.Errorf("mpubsub.Register: argument type of method %q is not a pointer: %q", mname, argType)
			continue
		}
		// Arg type must be exported.
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("mpubsub.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		// Method needs zero out.
		if mtype.NumOut() != 0 {
			log.Errorf("mpubsub.Register: method %q has %d output parameters; needs exactly zero", mname, mtype.NumOut())
			continue
		}
		handlers[mname] = &handlerType{method: method, argType: argType}
	}
	return handlers
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}
	if buf.Len() > MaxDatagramSize {
		return ErrMessageTooLarge
	}

	_, err := ps.wc.Write(buf.Bytes())
	return err
}

// Listen dispatches incoming messages to registered handlers until ctx is cancelled.
// Handlers run on the listening goroutine and must not block.
func (ps *PubSub) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { ps.rc.Close() })
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}

		if err := ps.dispatch(buf[:n]); err != nil {
			log.Warnf("mpubsub: dropping message from %s: %v", from, err)
		}
	}
}

func (ps *PubSub) dispatch(raw []byte) error {
	dec := cbor.NewDecoder(bytes.NewReader(raw))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("failed to unmarshal header: %w", err)
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		return fmt.Errorf("service/method ill-formed: %q", msg.ServiceMethod)
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := ps.serviceMap.Load(serviceName)
	if !ok {
		return fmt.Errorf("can't find service %s", msg.ServiceMethod)
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		return fmt.Errorf("can't find method %s", msg.ServiceMethod)
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	handler.method.Func.Call([]reflect.Value{svc.sub, arg})
	return nil
}

// Close releases both sockets.
func (ps *PubSub) Close() error {
	return errors.Join(ps.rc.Close(), ps.wc.Close())
}
