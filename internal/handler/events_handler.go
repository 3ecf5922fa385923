package handler

import (
	"encoding/json"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

func writeMessage(conn *websocket.Conn, msgType protocol.MessageType, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(protocol.Message{Type: msgType, Data: data})
}

// HandleEvents 推送引擎事件
// GET /ws/events
func (h *GuardHandler) HandleEvents(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return err
	}
	defer conn.Close()

	events, unsubscribe := h.guard.Subscribe()
	defer unsubscribe()

	if err := writeMessage(conn, protocol.MessageTypeHello, h.agent); err != nil {
		return nil
	}
	if err := writeMessage(conn, protocol.MessageTypeStats, h.guard.Stats()); err != nil {
		return nil
	}

	// 只读取控制帧，连接断开时退出
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	remote := c.RealIP()
	h.logger.Debug("事件订阅已连接", zap.String("remote", remote))
	defer h.logger.Debug("事件订阅已断开", zap.String("remote", remote))

	for {
		select {
		case <-closed:
			return nil
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine stopped"),
					time.Now().Add(writeWait))
				return nil
			}
			if err := writeMessage(conn, protocol.MessageTypeEvent, event); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}
