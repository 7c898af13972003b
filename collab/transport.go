package collab

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
)

type RelayTransportSettings struct {
	WsHandshakeTimeout time.Duration
	// fixed delay, no backoff, no retry cap
	ReconnectTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	// max quiet time on the read side before the link counts as dead.
	// must comfortably exceed PingInterval so heartbeat replies keep a
	// healthy link alive.
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ReconnectTimeout:   3 * time.Second,
		PingInterval:       25 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
	}
}

// the authenticated duplex endpoint. the relay performs authorization and
// session routing, the transport just forwards bytes.
func RelayEndpoint(relayUrl string, sessionId string, token string) string {
	values := url.Values{}
	values.Set("token", token)
	values.Set("session_id", sessionId)
	return fmt.Sprintf("%s/yjs?%s", relayUrl, values.Encode())
}

type reconnect struct {
	timeout time.Duration
}

func newReconnect(timeout time.Duration) *reconnect {
	return &reconnect{
		timeout: timeout,
	}
}

func (self *reconnect) After() <-chan time.Time {
	return time.After(self.timeout)
}

type outFrame struct {
	data   []byte
	binary bool
}

// RelayTransport owns one duplex connection to the relay, including the
// reconnect loop, heartbeat, and the send/receive pumps. frames go out and
// come in as opaque bytes, framing is the protocol layer's concern.
//
// an abnormal close schedules a reconnect after a fixed delay. a clean
// close, local or remote, ends the transport.
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *RelayTransportSettings

	// called after each successful dial, before any receive
	openFunc func()
	// called once per inbound frame
	receiveFunc func(frame []byte)
	statusFunc  func(status ConnectionStatus)

	send chan *outFrame
}

func NewRelayTransportWithDefaults(
	ctx context.Context,
	url string,
	openFunc func(),
	receiveFunc func(frame []byte),
	statusFunc func(status ConnectionStatus),
) *RelayTransport {
	return NewRelayTransport(ctx, url, openFunc, receiveFunc, statusFunc, DefaultRelayTransportSettings())
}

func NewRelayTransport(
	ctx context.Context,
	url string,
	openFunc func(),
	receiveFunc func(frame []byte),
	statusFunc func(status ConnectionStatus),
	settings *RelayTransportSettings,
) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RelayTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		settings:    settings,
		openFunc:    openFunc,
		receiveFunc: receiveFunc,
		statusFunc:  statusFunc,
		send:        make(chan *outFrame, settings.SendBufferSize),
	}
	go transport.run()
	return transport
}

// queues a message for send. a full buffer drops the frame with a log,
// reconnect resync recovers whatever a dropped delta carried.
func (self *RelayTransport) Send(message *Message) bool {
	data, binary, err := EncodeFrame(message)
	if err != nil {
		glog.Infof("[ts]encode %s = %s\n", message.Type, err)
		return false
	}
	frame := &outFrame{
		data:   data,
		binary: binary,
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- frame:
		return true
	default:
		glog.Infof("[ts]send buffer full, drop %s\n", message.Type)
		return false
	}
}

func (self *RelayTransport) status(status ConnectionStatus) {
	if self.statusFunc != nil {
		handleCallback(func() {
			self.statusFunc(status)
		})
	}
}

func (self *RelayTransport) run() {
	defer self.cancel()

	for {
		self.status(ConnectionConnecting)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[t]dial error = %s\n", err)
			self.status(ConnectionError)
			select {
			case <-self.ctx.Done():
				self.status(ConnectionDisconnected)
				return
			case <-newReconnect(self.settings.ReconnectTimeout).After():
				continue
			}
		}

		self.status(ConnectionConnected)
		if self.openFunc != nil {
			handleCallback(self.openFunc)
		}

		clean := self.handle(ws)
		if clean {
			self.status(ConnectionDisconnected)
			return
		}

		self.status(ConnectionDisconnected)
		select {
		case <-self.ctx.Done():
			return
		case <-newReconnect(self.settings.ReconnectTimeout).After():
		}
	}
}

// runs the pumps for one connection. returns whether the close was clean.
func (self *RelayTransport) handle(ws *websocket.Conn) bool {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// either pump exiting cancels handleCtx, and the close unblocks the
	// other pump. without this a write error would leave the read side
	// parked on a half-open socket forever. the close waits for the write
	// pump so a clean teardown still gets its close frame out.
	writeDone := make(chan struct{})
	go func() {
		<-handleCtx.Done()
		select {
		case <-writeDone:
		case <-time.After(self.settings.WriteTimeout):
		}
		ws.Close()
	}()

	pingFrame, _, _ := EncodeFrame(&Message{Type: MessagePing})

	go func() {
		defer handleCancel()
		defer close(writeDone)

		for {
			select {
			case <-handleCtx.Done():
				// local teardown, tell the relay this is a clean close
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			case frame, ok := <-self.send:
				if !ok {
					return
				}
				messageType := websocket.TextMessage
				if frame.binary {
					messageType = websocket.BinaryMessage
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(messageType, frame.data); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ts]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ts]->\n")
			case <-time.After(self.settings.PingInterval):
				// fire and forget heartbeat
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, pingFrame); err != nil {
					return
				}
				glog.V(2).Infof("[ts]ping->\n")
			}
		}
	}()

	clean := false
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				clean = true
			}
			select {
			case <-self.ctx.Done():
				// local teardown is always clean
				clean = true
			default:
			}
			if !clean {
				glog.Infof("[tr]<- error = %s\n", err)
			}
			return clean
		}
		if self.receiveFunc != nil {
			frame := frame
			handleCallback(func() {
				self.receiveFunc(frame)
			})
		}
		glog.V(2).Infof("[tr]<-\n")
	}
}

func (self *RelayTransport) Close() {
	self.cancel()
}
