package peer

import (
	"context"

	"github.com/coder/websocket"
)

// peerConn is one accepted bridge connection.
type peerConn struct {
	peer   *Peer
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	remote string
}

func (pc *peerConn) readPump() {
	defer pc.peer.removeConn(pc)
	for {
		_, data, err := pc.conn.Read(pc.ctx)
		if err != nil {
			pc.peer.config.logger.Debug("read pump stopping", "remote", pc.remote, "error", err)
			return
		}
		// Commands run concurrently; responses go out in completion order.
		go func() {
			out, ok := pc.peer.Dispatch(pc.ctx, data)
			if ok {
				pc.trySend(out)
			}
		}()
	}
}

func (pc *peerConn) trySend(out []byte) {
	select {
	case pc.send <- out:
	case <-pc.ctx.Done():
	default:
		pc.peer.config.logger.Warn("send buffer full, dropping response", "remote", pc.remote)
	}
}

func (pc *peerConn) writePump() {
	for {
		select {
		case out := <-pc.send:
			writeCtx, cancel := context.WithTimeout(pc.ctx, pc.peer.config.writeTimeout)
			err := pc.conn.Write(writeCtx, websocket.MessageText, out)
			cancel()
			if err != nil {
				pc.peer.config.logger.Info("write error, closing connection", "remote", pc.remote, "error", err)
				pc.conn.CloseNow()
				return
			}
		case <-pc.ctx.Done():
			pc.conn.Close(websocket.StatusGoingAway, "peer closing")
			return
		}
	}
}
