package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

var typeOfContext = reflect.TypeFor[context.Context]()

type methodType struct {
	method    reflect.Method
	withCtx   bool // Method takes a context.Context before its arguments
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string                 // name of service
	rcvr   reflect.Value          // receiver of methods for the service
	typ    reflect.Type           // type of the receiver
	method map[string]*methodType // registered methods
}

type Server struct {
	listener   net.Listener
	serviceMap sync.Map // map[string]*service
}

func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
	}
}

// Register publishes the exported methods of rcvr as "<Type>.<Method>". Suitable methods look like
//
//	func (t *T) Method(args *Args, reply *Reply) error
//	func (t *T) Method(ctx context.Context, args *Args, reply *Reply) error
//
// The context is cancelled when the server shuts down.
func (srv *Server) Register(rcvr any) error {
	return srv.RegisterName(reflect.Indirect(reflect.ValueOf(rcvr)).Type().Name(), rcvr)
}

// RegisterName is like Register but uses the provided name for the service.
func (srv *Server) RegisterName(sname string, rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	if sname == "" {
		s := fmt.Sprintf("rpc.Register: no service name for type %s", s.typ.String())
		log.Error(s)
		return errors.New(s)
	}
	if !token.IsExported(sname) {
		s := "rpc.Register: type " + sname + " is not exported"
		log.Error(s)
		return errors.New(s)
	}
	s.name = sname

	// Install the methods
	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		str := "rpc.Register: type " + sname + " has no exported methods of suitable type"
		log.Error(str)
		return errors.New(str)
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("rpc: service already defined: " + sname)
	}

	for m := range s.method {
		log.Debugf("rpc.Register: %s.%s", sname, m)
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

// suitableMethods returns suitable Rpc methods of typ.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		// Method must be exported.
		if !method.IsExported() {
			continue
		}
		// Method needs three ins: receiver, *args, *reply. A leading context makes it four.
		withCtx := mtype.NumIn() == 4 && mtype.In(1) == typeOfContext
		if mtype.NumIn() != 3 && !withCtx {
			log.Debugf("rpc.Register: skipping method %q with %d input parameters", mname, mtype.NumIn())
			continue
		}
		first := 1
		if withCtx {
			first = 2
		}
		// First arg need not be a pointer.
		argType := mtype.In(first)
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("rpc.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		// Second arg must be a pointer.
		replyType := mtype.In(first + 1)
		if replyType.Kind() != reflect.Pointer {
			log.Errorf("rpc.Register: reply type of method %q is not a pointer: %q", mname, replyType)
			continue
		}
		// Reply type must be exported.
		if !isExportedOrBuiltinType(replyType) {
			log.Errorf("rpc.Register: reply type of method %q is not exported: %q", mname, replyType)
			continue
		}
		// Method needs one out.
		if mtype.NumOut() != 1 {
			log.Errorf("rpc.Register: method %q has %d output parameters; needs exactly one", mname, mtype.NumOut())
			continue
		}
		// The return type of the method must be error.
		if returnType := mtype.Out(0); returnType != reflect.TypeFor[error]() {
			log.Errorf("rpc.Register: return type of method %q is %q, must be error", mname, returnType)
			continue
		}
		methods[mname] = &methodType{method: method, withCtx: withCtx, ArgType: argType, ReplyType: replyType}
	}
	return methods
}

func (srv *Server) Serve(ctx context.Context) error {
	// Closing the listener unblocks Accept once the context is cancelled.
	go func() {
		<-ctx.Done()
		log.Debugf("crpc.Server: context cancelled, closing listener %s", srv.listener.Addr())
		if err := srv.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnf("crpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Debugf("crpc.Server: listener %s stopped", srv.listener.Addr())
				return ctx.Err()
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("crpc.Server: Accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("crpc.Server: critical accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("crpc.Server: accepted connection from %s on %s", rw.RemoteAddr().String(), srv.listener.Addr())
		go srv.serveConn(ctx, rw)
	}
}

// serverConn serialises replies of concurrently running calls on one connection.
type serverConn struct {
	conn    net.Conn
	sending sync.Mutex
	encoder *cbor.Encoder
}

func (sc *serverConn) reply(hdr *ResponseHeader, body any) error {
	sc.sending.Lock()
	defer sc.sending.Unlock()

	if err := sc.encoder.Encode(hdr); err != nil {
		return err
	}
	if hdr.Err == "" {
		return sc.encoder.Encode(body)
	}
	return nil
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	sc := &serverConn{conn: conn, encoder: cbor.NewEncoder(conn)}
	decoder := cbor.NewDecoder(conn)

	var calls sync.WaitGroup
	defer func() {
		conn.Close()
		calls.Wait()
	}()

	// Unblock the decoder on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		// Read the request header
		req := &RequestHeader{}
		if err := decoder.Decode(req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("crpc.Server: connection %s closed", conn.RemoteAddr())
			} else {
				log.Errorf("crpc.Server: error decoding request header from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		svc, mtype, lookupErr := srv.lookup(req.Method)
		if lookupErr != nil {
			// Consume the body so the stream stays in sync
			var skip cbor.RawMessage
			if err := decoder.Decode(&skip); err != nil {
				return
			}
			log.Warnf("crpc.Server: %v (from %s)", lookupErr, conn.RemoteAddr())
			if err := sc.reply(&ResponseHeader{Seq: req.Seq, Err: lookupErr.Error()}, nil); err != nil {
				return
			}
			continue
		}

		// Decode the argument value
		var argv reflect.Value
		if mtype.ArgType.Kind() == reflect.Pointer {
			argv = reflect.New(mtype.ArgType.Elem())
		} else {
			argv = reflect.New(mtype.ArgType)
		}
		if err := decoder.Decode(argv.Interface()); err != nil {
			log.Errorf("crpc.Server: error decoding argument for %s from %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
		if mtype.ArgType.Kind() != reflect.Pointer {
			argv = argv.Elem()
		}

		calls.Add(1)
		go func(seq uint64, method string) {
			defer calls.Done()

			replyv := reflect.New(mtype.ReplyType.Elem())
			repl := &ResponseHeader{Seq: seq}
			if err := svc.call(ctx, method, mtype, argv, replyv); err != nil {
				repl.Err = err.Error()
			}

			if err := sc.reply(repl, replyv.Interface()); err != nil {
				log.Debugf("crpc.Server: error writing reply for %s to %s: %v", method, conn.RemoteAddr(), err)
				conn.Close()
			}
		}(req.Seq, req.Method)
	}
}

func (srv *Server) lookup(serviceMethod string) (*service, *methodType, error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot < 0 {
		return nil, nil, fmt.Errorf("rpc: service/method request ill-formed: %q", serviceMethod)
	}
	serviceName := serviceMethod[:dot]
	methodName := serviceMethod[dot+1:]

	svci, ok := srv.serviceMap.Load(serviceName)
	if !ok {
		return nil, nil, fmt.Errorf("rpc: can't find service %q", serviceName)
	}
	svc := svci.(*service)
	mtype := svc.method[methodName]
	if mtype == nil {
		return nil, nil, fmt.Errorf("rpc: can't find method %q", serviceMethod)
	}
	return svc, mtype, nil
}

func (svc *service) call(ctx context.Context, name string, mtype *methodType, argv, replyv reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc.Server: panic during RPC call %s: %v", name, r)
			err = fmt.Errorf("rpc: internal server error during %s", name)
		}
	}()

	in := []reflect.Value{svc.rcvr, argv, replyv}
	if mtype.withCtx {
		in = []reflect.Value{svc.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}

	// The return value for the method is an error.
	returnValues := mtype.method.Func.Call(in)
	if errInter := returnValues[0].Interface(); errInter != nil {
		return errInter.(error)
	}
	return nil
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// AdvertisedAddr returns an address other hosts can dial. When the listener is bound to an
// unspecified IP (0.0.0.0, ::) the first non-loopback interface address is used, falling back to loopback.
func (srv *Server) AdvertisedAddr() string {
	tcp, ok := srv.listener.Addr().(*net.TCPAddr)
	if !ok {
		return srv.listener.Addr().String()
	}
	if tcp.IP != nil && !tcp.IP.IsUnspecified() {
		return tcp.String()
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("crpc.Server.AdvertisedAddr: failed to get network interfaces: %v", err)
		return (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tcp.Port}).String()
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("crpc.Server.AdvertisedAddr: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}
		for _, addr := range ifaddrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			return (&net.TCPAddr{IP: ipnet.IP, Port: tcp.Port}).String()
		}
	}

	return (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tcp.Port}).String()
}
