package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// writeWait はクライアントへの書き込みタイムアウト
	writeWait = 10 * time.Second

	// pingPeriod はクライアントの生存確認間隔
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 同一ホスト運用のためオリジン検証は行わない
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket はライフサイクルイベントのWebSocket配信エンドポイント
// 接続ごとにイベントバスを購読し、切断時に購読を解除する
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket接続のアップグレードに失敗しました: %v", err)
		return
	}

	events, cancel := s.bus.Subscribe()
	defer cancel()
	defer conn.Close()

	log.Printf("WebSocketクライアントが接続しました: %s", conn.RemoteAddr())

	// 読み取りループ: クライアントからの切断を検出する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("WebSocketへの書き込みに失敗しました: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Printf("WebSocketクライアントが切断しました: %s", conn.RemoteAddr())
			return
		}
	}
}
