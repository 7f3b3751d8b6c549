package session

import (
	"context"

	"nhooyr.io/websocket"

	"github.com/famoratech/InterviewCopilot/protocol"
)

// Transport is the duplex session connection: binary audio frames out,
// raw JSON event frames in.
type Transport interface {
	Send(chunk []byte) error
	SendStop() error
	Recv() ([]byte, error)
	Close() error
}

type wsTransport struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// DialWebsocket opens the session websocket. The target already carries
// the bearer credential in its query string.
func DialWebsocket(ctx context.Context, urlStr string) (Transport, error) {
	wsCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(wsCtx, urlStr, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	// AI answers stream as many small frames but a single transcript frame
	// can be sizable; the default 32 KiB limit is too tight.
	conn.SetReadLimit(1 << 20)
	return &wsTransport{conn: conn, ctx: wsCtx, cancel: cancel}, nil
}

func (t *wsTransport) Send(chunk []byte) error {
	return t.conn.Write(t.ctx, websocket.MessageBinary, chunk)
}

func (t *wsTransport) SendStop() error {
	return t.conn.Write(t.ctx, websocket.MessageText, protocol.StopNotice())
}

func (t *wsTransport) Recv() ([]byte, error) {
	_, data, err := t.conn.Read(t.ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	t.cancel()
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
