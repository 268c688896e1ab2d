package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quantbench/backtest"
	"quantbench/event"
	"quantbench/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage 推送给客户端的消息
type wsMessage struct {
	Type     string                 `json:"type"` // snapshot 或事件类型
	RunID    string                 `json:"runId"`
	State    string                 `json:"state,omitempty"`
	Progress float64                `json:"progress"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Time     time.Time              `json:"time"`
}

// streamRun 推送单个回测的状态和进度，回测结束后关闭连接
func (h *api) streamRun(c *gin.Context) {
	id := c.Param("id")
	run, err := h.deps.Manager.Get(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	done, err := h.deps.Manager.Done(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	if h.deps.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "事件总线未启用")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	// 先订阅再取快照，避免漏掉两者之间的事件
	events, unsubscribe := h.deps.Bus.Subscribe()
	defer unsubscribe()

	snap := run.Snapshot(false)
	if err := writeWS(conn, wsMessage{
		Type:     "snapshot",
		RunID:    id,
		State:    string(snap.State),
		Progress: snap.Progress,
		Time:     time.Now(),
	}); err != nil {
		return
	}
	if snap.State.Terminal() {
		closeWS(conn, "回测已结束")
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			finishStream(conn, events, run)
			return
		case evt, ok := <-events:
			if !ok {
				closeWS(conn, "服务关闭")
				return
			}
			terminal, err := forwardEvent(conn, run, evt)
			if err != nil {
				return
			}
			if terminal {
				closeWS(conn, "回测已结束")
				return
			}
		}
	}
}

// forwardEvent 转发属于该回测的事件，返回是否为终态事件
func forwardEvent(conn *websocket.Conn, run *backtest.Run, evt *event.Event) (bool, error) {
	if evt.RunID != run.ID() {
		return false, nil
	}
	err := writeWS(conn, wsMessage{
		Type:     string(evt.Type),
		RunID:    run.ID(),
		State:    string(run.State()),
		Progress: run.Progress(),
		Data:     evt.Data,
		Time:     evt.Timestamp,
	})
	return event.IsTerminal(evt.Type), err
}

// finishStream 回测已结束：先转发积压的事件，终态事件被总线丢弃时按当前状态补发
func finishStream(conn *websocket.Conn, events <-chan *event.Event, run *backtest.Run) {
drain:
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				break drain
			}
			terminal, err := forwardEvent(conn, run, evt)
			if err != nil {
				return
			}
			if terminal {
				closeWS(conn, "回测已结束")
				return
			}
		default:
			break drain
		}
	}

	msg := wsMessage{
		Type:     string(terminalEventType(run)),
		RunID:    run.ID(),
		State:    string(run.State()),
		Progress: run.Progress(),
		Time:     time.Now(),
	}
	if err := run.Err(); err != nil {
		msg.Data = map[string]interface{}{"error": err.Error()}
	}
	if err := writeWS(conn, msg); err != nil {
		return
	}
	closeWS(conn, "回测已结束")
}

func terminalEventType(run *backtest.Run) event.EventType {
	switch {
	case run.State() == backtest.StateComplete:
		return event.EventTypeRunCompleted
	case backtest.ErrorKindOf(run.Err()) == backtest.KindCancelled:
		return event.EventTypeRunCancelled
	default:
		return event.EventTypeRunFailed
	}
}

// readPump 丢弃客户端消息，处理 pong 与断开
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func closeWS(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
