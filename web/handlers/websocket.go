package handlers

import (
	"log"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sagecore/sage/pkg/types"
)

// handleQueryWS carries the same event stream as /query/stream over a
// WebSocket. The client sends one Query as JSON; the server replies with
// StreamEvent messages and an {"type":"end"} terminator, then closes.
func (a *API) handleQueryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("handlers: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")

	ctx := r.Context()

	var query types.Query
	if err := wsjson.Read(ctx, conn, &query); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "expected a JSON query")
		return
	}

	events := a.RAG.QueryStream(ctx, query)
	for event := range events {
		if err := wsjson.Write(ctx, conn, event); err != nil {
			for range events {
			}
			return
		}
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "end"}); err != nil {
		return
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
