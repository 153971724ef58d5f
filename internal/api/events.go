package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	eventBuf   = 64
)

type eventFrame struct {
	Kind      string    `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// EventService streams bus events to websocket clients.
type EventService struct {
	bus      *bus.Bus
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewEventService(b *bus.Bus, logger *zap.Logger) *EventService {
	return &EventService{
		bus:    b,
		logger: logger.Named("events"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin is enforced by the CORS layer for browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Stream upgrades the request and forwards events, optionally restricted
// with ?account=<id> and ?kind=<prefix>.
func (s *EventService) Stream(c *gin.Context) {
	filter := bus.Filter{Namespace: c.Query("kind"), AccountID: c.Query("account")}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.SubscribeFilter(filter, eventBuf)
	defer unsubscribe()

	logger := loggerFrom(c)
	logger.Info("event stream opened", zap.String("account", filter.AccountID))

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logger.Info("event stream closed")
			return
		case evt := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := eventFrame{Kind: evt.Kind, AccountID: evt.AccountID, Timestamp: evt.Timestamp, Payload: evt.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug("event write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (s *EventService) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
