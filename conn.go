package feedmux

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fasthttp/websocket"
)

type (
	// transport owns exactly one underlying socket. It reports its own
	// closing via closeChan; it never retries on its own.
	transport interface {
		// open dials the endpoint and starts the read/write pumps. It
		// blocks until the handshake completes or fails.
		open(ctx context.Context) error
		// write transmits a single text frame.
		write(p []byte) error
		// close tears the socket down. Idempotent.
		close()
		// closeChan is closed when the socket is no longer usable.
		closeChan() <-chan struct{}
		// closeErr explains why the socket closed; nil on a clean close.
		closeErr() error
	}

	// transportFactory creates a fresh transport for one connection
	// attempt. Inbound frames are delivered on recv.
	transportFactory func(endpoint string, recv chan<- []byte) transport
)

// wsTransport is the websocket-backed transport.
type wsTransport struct {
	endpoint string
	header   http.Header

	dialer *websocket.Dialer
	logger Logger

	conn *websocket.Conn

	closeC          chan struct{}
	closeOnce       sync.Once
	closeReason     error
	closeReasonOnce sync.Once

	recv chan<- []byte // frames received over the wire
	send chan []byte   // frames to be sent over the wire

	writeTimeout time.Duration
	pingInterval time.Duration
}

func newWSTransport(
	dialer *websocket.Dialer,
	logger Logger,
	endpoint string,
	header http.Header,
	recv chan<- []byte,
	writeTimeout time.Duration,
	pingInterval time.Duration,
) *wsTransport {
	return &wsTransport{
		endpoint:     endpoint,
		header:       header,
		dialer:       dialer,
		logger:       logger.WithField("net", "ws_transport"),
		recv:         recv,
		send:         make(chan []byte, 32),
		closeC:       make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (w *wsTransport) open(ctx context.Context) error {
	conn, resp, err := w.dialer.Dial(w.endpoint, w.header)

	if err = w.handleDialError(resp, err); err != nil {
		w.logger.Errorf("connection err to %s: %s", w.endpoint, err)
		return err
	}

	w.logger.Debugf("success opening connection to %s", w.endpoint)

	w.conn = conn

	// Reply to server pings ourselves so the connection stays alive even
	// when no frame is in flight.
	conn.SetPingHandler(func(appData string) error {
		w.logger.Debugln("<= [PING]")
		deadline := time.Now().Add(w.writeTimeout)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	conn.SetPongHandler(func(string) error {
		w.logger.Debugln("<= [PONG]")
		return nil
	})

	go w.read(ctx)
	go w.writePump(ctx)

	return nil
}

func (w *wsTransport) write(p []byte) error {
	select {
	case w.send <- p:
		return nil
	case <-w.closeC:
		return ErrConnectionClosed
	}
}

func (w *wsTransport) close() {
	w.safeClose()
}

func (w *wsTransport) closeChan() <-chan struct{} {
	return w.closeC
}

func (w *wsTransport) closeErr() error {
	return w.closeReason
}

func (w *wsTransport) read(ctx context.Context) {
	defer w.safeClose()

	for {
		select {
		case <-w.closeC:
			w.setCloseReason(ErrTerminated)
			return
		case <-ctx.Done():
			w.setCloseReason(ErrTerminated)
			return
		default:
			_, bts, err := w.conn.ReadMessage()
			if err != nil {
				w.logger.Errorf("error occurred on websocket read: %s", err)

				w.setCloseReason(errors.Wrap(
					ErrConnectionClosed,
					"error occurred on websocket read: "+err.Error(),
				))
				return
			}

			w.logger.Debugf("<= [DATA] %s", string(bts))

			select {
			case w.recv <- bts:
			case <-w.closeC:
				w.setCloseReason(ErrTerminated)
				return
			}
		}
	}
}

func (w *wsTransport) writePump(ctx context.Context) {
	defer w.safeClose()

	var pingC <-chan time.Time
	if w.pingInterval > 0 {
		ticker := time.NewTicker(w.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-w.closeC:
			w.setCloseReason(ErrTerminated)
			return
		case <-ctx.Done():
			w.setCloseReason(ErrTerminated)
			return
		case <-pingC:
			w.logger.Debugln("=> [PING]")
			deadline := time.Now().Add(w.writeTimeout)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
				return
			}
		case p := <-w.send:
			w.logger.Debugf("=> [DATA] %s", p)

			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))

			if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					w.setCloseReason(ErrConnectionClosed)
				} else {
					w.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
				}
				return
			}
		}
	}
}

func (w *wsTransport) safeClose() {
	w.closeOnce.Do(w.doClose)
}

func (w *wsTransport) doClose() {
	// Record the reason before signalling: closeErr must be settled by the
	// time closeChan readers wake up. The pumps set the real failure first;
	// for a caller-initiated close this is the reason.
	w.setCloseReason(ErrTerminated)

	if w.conn != nil {
		deadline := time.Now().Add(w.writeTimeout)
		_ = w.conn.WriteControl(websocket.CloseMessage, nil, deadline)
		_ = w.conn.Close()
	}
	close(w.closeC)
}

func (w *wsTransport) setCloseReason(err error) {
	w.closeReasonOnce.Do(func() {
		w.closeReason = err
	})
}

func (w *wsTransport) handleDialError(resp *http.Response, err error) error {
	var msg string

	if resp != nil {
		if resp.Body != nil {
			bts, rerr := io.ReadAll(resp.Body)
			if rerr == nil {
				msg = string(bts)
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrap(ErrRateLimit, msg)
		}
	}

	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return nil
}

// newWSTransportFactory builds the production transport factory used by New
// unless a test substitutes its own.
func newWSTransportFactory(
	dialer *websocket.Dialer,
	logger Logger,
	header http.Header,
	writeTimeout time.Duration,
	pingInterval time.Duration,
) transportFactory {
	return func(endpoint string, recv chan<- []byte) transport {
		return newWSTransport(dialer, logger, endpoint, header, recv, writeTimeout, pingInterval)
	}
}
