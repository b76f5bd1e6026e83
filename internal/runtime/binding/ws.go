package binding

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/wsflow/internal/runtime/config"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/format"
	"github.com/drblury/wsflow/internal/runtime/logging"
)

// WS serves raw WebSocket connections at <path><service path>. One frame
// carries one composed message in the service's format.
type WS struct {
	*core
}

// NewWS creates the raw WebSocket binding.
func NewWS(opts Options) *WS {
	return &WS{core: newCore(opts, config.KindWS)}
}

func (b *WS) Kind() string          { return config.KindWS }
func (b *WS) DefaultFormat() string { return format.JSON }

func (b *WS) Bind(svc Service) error {
	return b.bind(svc, b.DefaultFormat())
}

func (b *WS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svc, ok := b.service(b.relativePath(r.URL.Path))
	if !ok {
		writeError(w, errspkg.NewEventError(http.StatusNotFound, "unknown service"))
		return
	}

	principal, rejection := b.admit(r.Context(), &Handshake{Request: r, Service: svc.def})
	if rejection != nil {
		b.observer.ObserveRejected(svc.path, rejection.Code)
		b.logger.Info("Connection rejected", logging.LogFields{
			"service": svc.path,
			"code":    rejection.Code,
			"reason":  rejection.Message,
		})
		writeError(w, rejection)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		b.logger.Debug("Upgrade failed", logging.LogFields{"error": err.Error()})
		return
	}

	sock := newSocket(ws, b.opts.SendBuffer, b.logger)
	sock.writeTimeout = b.opts.WriteTimeout
	sock.pingInterval = b.opts.PingInterval
	if !b.track(sock) {
		sock.close()
		return
	}
	defer b.untrack(sock)

	cn := b.newConn(r.Context(), svc, principal, r, sock, rawFrame)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sock.writeLoop()
	}()

	cn.admitted()
	b.readLoop(cn)

	cn.teardown("client disconnect")
	sock.close()
	<-writerDone
	_ = ws.Close()
}

func rawFrame(_ string, payload []byte) ([]byte, error) {
	return payload, nil
}

func (b *WS) readLoop(cn *conn) {
	ws := cn.sock.ws
	deadline := b.opts.PingInterval + b.opts.PingTimeout
	ws.SetReadLimit(b.opts.MaxPayload)
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	inbound := cn.svc.formats.Inbound()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && cn.sock.open() {
				cn.logger.Debug("Read failed", logging.LogFields{"error": err.Error()})
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))

		msg := inbound.Parse(raw)
		if msg.Event == "" {
			cn.logger.Debug("Dropping unrecognised frame", logging.LogFields{"format": inbound.Name(), "size": len(raw)})
			continue
		}
		if _, err := cn.dispatch(Event{Service: cn.svc.path, Name: msg.Event, Data: msg.Data, Headers: msg.Headers}); err != nil {
			ee := errspkg.AsEventError(err)
			cn.logger.Error("Event handler failed", err, logging.LogFields{"event": msg.Event, "code": ee.Code})
		}
	}
}
