package process

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit bounds every message in both directions.
const readLimit = 32768

// writeLimit is how many payload bytes go in one message, leaving room for base64 and the JSON envelope.
const writeLimit = readLimit / 3

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with the bytes passed to write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	w.log.Debugf("writing %d bytes", len(b))
	written := 0
	for written < len(b) {
		end := written + writeLimit
		if end > len(b) {
			end = len(b)
		}
		msg := w.writeMsg(b[written:end])
		if err := wsjson.Write(w.ctx, w.conn, msg); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	var err error
	sendClose := w.closeMsg != nil
	if sendClose {
		err = wsjson.Write(w.ctx, w.conn, w.closeMsg())
	}
	w.log.Debugw("closed writer", "Error", err, "SentClose", sendClose)
	return err
}
