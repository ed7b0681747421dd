package api

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// wsFrame adapts one WebSocket connection to embedgate.FrameWindow. The
// pointer identity of the frame is what the broker's source check compares,
// so exactly one wsFrame is created per accepted connection.
type wsFrame struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Post implements embedgate.FrameWindow. gorilla/websocket allows one
// concurrent writer, so writes are serialized under the mutex.
func (f *wsFrame) Post(ctx context.Context, msg embedgate.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = f.conn.SetWriteDeadline(deadline)
	}
	return f.conn.WriteJSON(msg)
}

func (f *wsFrame) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	_ = f.conn.Close()
}
