package binding

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/wsflow/internal/runtime/config"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/format"
	"github.com/drblury/wsflow/internal/runtime/ids"
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
	"github.com/drblury/wsflow/internal/runtime/logging"
)

// Engine.IO handshake error codes.
const (
	eioErrTransportUnknown    = 0
	eioErrUnsupportedProtocol = 5
)

// SocketIO serves the Socket.IO v5 protocol over Engine.IO v4 WebSocket
// transport at <path>/. Every service is a namespace named by its path.
// HTTP long-polling is not offered.
type SocketIO struct {
	*core
}

// NewSocketIO creates the Socket.IO binding.
func NewSocketIO(opts Options) *SocketIO {
	return &SocketIO{core: newCore(opts, config.KindSocketIO)}
}

func (b *SocketIO) Kind() string          { return config.KindSocketIO }
func (b *SocketIO) DefaultFormat() string { return format.Identity }

func (b *SocketIO) Bind(svc Service) error {
	return b.bind(svc, b.DefaultFormat())
}

type eioOpenPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

type eioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type connectErrorBody struct {
	Message string            `json:"message"`
	Data    errspkg.ErrorBody `json:"data"`
}

// session is one Engine.IO connection and its namespace connections.
type session struct {
	sid  string
	b    *SocketIO
	sock *socket
	req  *http.Request

	mu    sync.Mutex
	conns map[string]*conn
}

func (b *SocketIO) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		writeEngineError(w, eioErrUnsupportedProtocol, "Unsupported protocol version")
		return
	}
	if q.Get("transport") != "websocket" {
		writeEngineError(w, eioErrTransportUnknown, "Transport unknown")
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("Upgrade failed", logging.LogFields{"error": err.Error()})
		return
	}

	sock := newSocket(ws, b.opts.SendBuffer, b.logger)
	sock.writeTimeout = b.opts.WriteTimeout
	sock.pingInterval = b.opts.PingInterval
	sock.pingFrame = []byte{eioPing}
	if !b.track(sock) {
		sock.close()
		return
	}
	defer b.untrack(sock)

	s := &session{sid: ids.CreateULID(), b: b, sock: sock, req: r, conns: map[string]*conn{}}
	open, err := jsoncodec.Marshal(eioOpenPacket{
		SID:          s.sid,
		Upgrades:     []string{},
		PingInterval: b.opts.PingInterval.Milliseconds(),
		PingTimeout:  b.opts.PingTimeout.Milliseconds(),
		MaxPayload:   b.opts.MaxPayload,
	})
	if err != nil {
		b.logger.Error("Failed to encode open packet", err, nil)
		sock.close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sock.writeLoop()
	}()
	_ = sock.enqueue(append([]byte{eioOpen}, open...))

	s.readLoop()

	s.closeAll("transport close")
	sock.close()
	<-writerDone
	_ = ws.Close()
}

func writeEngineError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = jsoncodec.Encode(w, eioError{Code: code, Message: message})
}

func (s *session) readLoop() {
	ws := s.sock.ws
	opts := s.b.opts
	deadline := opts.PingInterval + opts.PingTimeout
	ws.SetReadLimit(opts.MaxPayload)
	_ = ws.SetReadDeadline(time.Now().Add(deadline))

	log := s.b.logger.With(logging.LogFields{"sid": s.sid})
	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.sock.open() {
				log.Debug("Read failed", logging.LogFields{"error": err.Error()})
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))
		if kind != websocket.TextMessage || len(raw) == 0 {
			log.Debug("Dropping binary Engine.IO frame", nil)
			continue
		}

		switch raw[0] {
		case eioClose:
			return
		case eioPing:
			_ = s.sock.enqueue(append([]byte{eioPong}, raw[1:]...))
		case eioPong, eioNoop, eioUpgrade:
		case eioMessage:
			pkt, err := decodeSIOPacket(string(raw[1:]))
			if err != nil {
				log.Debug("Dropping Socket.IO packet", logging.LogFields{"error": err.Error()})
				continue
			}
			s.handle(pkt, log)
		default:
			log.Debug("Dropping unknown Engine.IO packet", logging.LogFields{"type": string(raw[0])})
		}
	}
}

func (s *session) handle(pkt sioPacket, log logging.ServiceLogger) {
	switch pkt.Type {
	case sioConnect:
		s.connect(pkt)
	case sioDisconnect:
		if cn := s.detach(pkt.Namespace); cn != nil {
			cn.teardown("client namespace disconnect")
		}
	case sioEvent:
		s.event(pkt, log)
	case sioAck:
		// The server never requests acknowledgements.
	default:
		log.Debug("Dropping Socket.IO packet", logging.LogFields{"type": pkt.Type})
	}
}

func (s *session) connect(pkt sioPacket) {
	nsp := pkt.Namespace
	svc, ok := s.b.service(nsp)
	if !ok {
		s.connectError(nsp, errspkg.NewEventError(http.StatusNotFound, "Invalid namespace"))
		return
	}

	s.mu.Lock()
	existing := s.conns[nsp]
	s.mu.Unlock()
	if existing != nil {
		s.connectAck(nsp, existing.id)
		return
	}

	var auth map[string]any
	if len(pkt.Data) > 0 {
		auth, _ = jsoncodec.DecodeObject(pkt.Data)
	}
	principal, rejection := s.b.admit(s.req.Context(), &Handshake{Request: s.req, Service: svc.def, Auth: auth})
	if rejection != nil {
		s.b.observer.ObserveRejected(svc.path, rejection.Code)
		s.b.logger.Info("Namespace connect rejected", logging.LogFields{
			"sid":     s.sid,
			"service": svc.path,
			"code":    rejection.Code,
			"reason":  rejection.Message,
		})
		s.connectError(nsp, rejection)
		return
	}

	cn := s.b.newConn(s.req.Context(), svc, principal, s.req, s.sock, namespaceFrame(nsp))
	cn.closeTransport = func() {
		s.detach(nsp)
		_ = s.sock.enqueue(sioPacket{Type: sioDisconnect, Namespace: nsp, ID: -1}.message())
	}

	s.mu.Lock()
	s.conns[nsp] = cn
	s.mu.Unlock()

	s.connectAck(nsp, cn.id)
	cn.admitted()
}

func (s *session) connectAck(nsp, sid string) {
	body, _ := jsoncodec.Marshal(map[string]string{"sid": sid})
	_ = s.sock.enqueue(sioPacket{Type: sioConnect, Namespace: nsp, ID: -1, Data: body}.message())
}

func (s *session) connectError(nsp string, ee *errspkg.EventError) {
	body, err := jsoncodec.Marshal(connectErrorBody{Message: ee.Message, Data: errspkg.ErrorBody{Error: ee}})
	if err != nil {
		return
	}
	_ = s.sock.enqueue(sioPacket{Type: sioConnectError, Namespace: nsp, ID: -1, Data: body}.message())
}

func (s *session) event(pkt sioPacket, log logging.ServiceLogger) {
	s.mu.Lock()
	cn := s.conns[pkt.Namespace]
	s.mu.Unlock()
	if cn == nil {
		log.Debug("Dropping event for unconnected namespace", logging.LogFields{"namespace": pkt.Namespace})
		return
	}

	var args []any
	if err := jsoncodec.Unmarshal(pkt.Data, &args); err != nil || len(args) == 0 {
		cn.logger.Debug("Dropping malformed event packet", nil)
		return
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		cn.logger.Debug("Dropping event packet without name", nil)
		return
	}
	var arg any
	if len(args) > 1 {
		arg = args[1]
	}
	ev := s.decodeEvent(cn, name, arg)

	result, err := cn.dispatch(ev)
	if err != nil {
		ee := errspkg.AsEventError(err)
		cn.logger.Error("Event handler failed", err, logging.LogFields{"event": ev.Name, "code": ee.Code})
		result = errspkg.ErrorBody{Error: ee}
	}
	if pkt.ID < 0 {
		return
	}
	body, err := jsoncodec.Marshal([]any{result})
	if err != nil {
		cn.logger.Error("Failed to encode acknowledgement", err, logging.LogFields{"event": ev.Name})
		body, _ = jsoncodec.Marshal([]any{errspkg.ErrorBody{Error: errspkg.NewEventError(http.StatusInternalServerError, "")}})
	}
	_ = s.sock.enqueue(sioPacket{Type: sioAck, Namespace: pkt.Namespace, ID: pkt.ID, Data: body}.message())
}

// decodeEvent maps a packet argument to an Event. The event name travels in
// the packet; formats other than json and identity parse the argument as
// their own wire message.
func (s *session) decodeEvent(cn *conn, name string, arg any) Event {
	ev := Event{Service: cn.svc.path, Name: name, Data: map[string]any{}}
	inbound := cn.svc.formats.Inbound()
	switch inbound.Name() {
	case format.Identity, format.JSON:
		if m, ok := arg.(map[string]any); ok {
			ev.Data = m
		}
		return ev
	}

	var raw []byte
	switch v := arg.(type) {
	case string:
		raw = []byte(v)
	case nil:
		return ev
	default:
		raw, _ = jsoncodec.Marshal(v)
	}
	msg := inbound.Parse(raw)
	if msg.Event != "" {
		ev.Name = msg.Event
	}
	ev.Data = msg.Data
	ev.Headers = msg.Headers
	return ev
}

func (s *session) detach(nsp string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	cn := s.conns[nsp]
	delete(s.conns, nsp)
	return cn
}

func (s *session) closeAll(reason string) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for nsp, cn := range s.conns {
		conns = append(conns, cn)
		delete(s.conns, nsp)
	}
	s.mu.Unlock()
	for _, cn := range conns {
		cn.teardown(reason)
	}
}

// namespaceFrame wraps a composed payload in an EVENT packet of nsp.
func namespaceFrame(nsp string) frameFunc {
	return func(event string, payload []byte) ([]byte, error) {
		name, err := jsoncodec.Marshal(event)
		if err != nil {
			return nil, err
		}
		data, err := jsoncodec.Raw(payload)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		buf.WriteByte('[')
		buf.Write(name)
		buf.WriteByte(',')
		buf.Write(data)
		buf.WriteByte(']')
		return sioPacket{Type: sioEvent, Namespace: nsp, ID: -1, Data: buf.Bytes()}.message(), nil
	}
}
