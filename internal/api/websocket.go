package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clobworks/exchange/internal/fanout"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS handled by the REST layer
}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 15 * time.Second
	wsWriteWait  = 10 * time.Second

	// wsCloseLagged is the application close code sent when a subscriber
	// falls behind and is dropped rather than blocking ingest (§4.F).
	wsCloseLagged = 4000
)

// handleWebSocket upgrades to a WebSocket and multiplexes subscriptions
// over the shared fan-out Hub (§4.F, §6.2). ?since=<offset> sets the
// replay baseline for every topic this connection subscribes to.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "error", err)
		return
	}

	since := parseSinceParam(r.URL.Query().Get("since"))
	sub := s.hub.NewSubscriber(uuid.NewString())
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go s.wsWritePump(conn, sub)
	s.wsReadPump(conn, sub, since)
}

func parseSinceParam(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// wsReadPump handles subscribe/unsubscribe requests (§6.2) until the
// connection closes, then tears the subscriber out of the hub.
func (s *Server) wsReadPump(conn *websocket.Conn, sub *fanout.Subscriber, since int64) {
	defer func() {
		s.hub.RemoveSubscriber(sub)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		switch req.Type {
		case "subscribe":
			for _, topic := range req.Topics {
				backfill := s.hub.Subscribe(sub, topic, since)
				for _, e := range backfill {
					if !sub.Push(e) {
						s.log.Warnw("ws_replay_dropped", "subscriberId", sub.ID, "topic", topic)
						break
					}
				}
			}
		case "unsubscribe":
			for _, topic := range req.Topics {
				s.hub.Unsubscribe(sub, topic)
			}
		case "pong":
			// client-initiated pong reply: extend the read deadline the
			// same way the control-frame pong handler does
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
		}
	}
}

// wsWritePump pumps hub Envelopes and periodic pings to the client.
func (s *Server) wsWritePump(conn *websocket.Conn, sub *fanout.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			msg := WSServerMessage{Type: e.Type, Topic: e.Topic, UpdateID: e.UpdateID, Data: e.Payload}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-sub.Lagged:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteJSON(WSServerMessage{Type: "close", Reason: "lagged"})
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(wsCloseLagged, "lagged"))
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
