package stream

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrClosed reports an orderly close by the peer or by the server.
var ErrClosed = errors.New("connection closed")

// Transport is a message channel to one client. Receive returns an error
// wrapping ErrClosed on an orderly close; any other error means the channel
// is no longer usable.
type Transport interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, v any) error
	Close(reason string) error
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport adapts an accepted websocket. readLimit caps the
// size of one inbound message.
func NewWebsocketTransport(conn *websocket.Conn, readLimit int64) Transport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (t *wsTransport) Send(ctx context.Context, v any) error {
	if err := wsjson.Write(ctx, t.conn, v); err != nil {
		return classify(err)
	}
	return nil
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusGoingAway, reason)
}

func classify(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return errors.Wrap(ErrClosed, err.Error())
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return errors.Wrap(ErrClosed, err.Error())
	}
	return err
}
