package handlers

import (
	"log"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"

	"dashpulse/internal/live"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.FastHTTPUpgrader{
	// Dashboards are served from other origins; the bearer check already
	// gates the endpoint.
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

// Live upgrades the connection and wires it into the hub. The read loop
// handles join/leave/subscribe control messages; a writer goroutine pumps
// the client's bounded send buffer onto the socket.
func Live(hub *live.Hub) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			client := live.NewClient()
			hub.Register(client)
			defer hub.Unregister(client)

			go writeLoop(conn, client)
			readLoop(conn, client, hub)
		})
		if err != nil {
			log.Printf("live: websocket upgrade failed: %v", err)
		}
	}
}

func readLoop(conn *websocket.Conn, client *live.Client, hub *live.Hub) {
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := hub.HandleControl(client, raw); err != nil {
			log.Printf("live: client %s sent bad control message: %v", client.ID(), err)
		}
	}
}

func writeLoop(conn *websocket.Conn, client *live.Client) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-client.Send():
			if !ok {
				// Unregistered: tell the peer and drop the socket.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
