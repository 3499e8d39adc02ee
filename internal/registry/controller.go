package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
	"github.com/Sharif2023/StudyNest-sub000/pkg/wsutils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// wsEnvelopeWriter adapts the thread-safe websocket writer to the relay.
type wsEnvelopeWriter struct {
	w *wsutils.ThreadSafeWriter
}

func (a wsEnvelopeWriter) WriteEnvelope(env *protocol.Envelope) error {
	return a.w.WriteJSON(env)
}

func (a wsEnvelopeWriter) Close() error {
	return a.w.Close()
}

type registryController struct {
	logger   *slog.Logger
	registry *Registry
	upgrader websocket.Upgrader
}

func (ctrl *registryController) wsError(w *wsutils.ThreadSafeWriter, err error) error {
	ctrl.logger.Error(fmt.Sprintf("%s | Err: %s", w.Conn.RemoteAddr(), err))
	return err
}

// RoomSignaling owns one participant's signaling connection for its whole
// lifetime. The first envelope must be a join; afterwards every envelope is
// relayed in arrival order, which preserves per-sender ordering end to end.
func (ctrl *registryController) RoomSignaling(c echo.Context) error {
	roomID := c.Param("roomID")
	if roomID == "" {
		return protocol.ErrEmptyRoomID
	}

	conn, err := ctrl.upgrader.Upgrade(c.Response().Writer, c.Request(), nil)
	if err != nil {
		ctrl.logger.Error(fmt.Sprintf("unable upgrade request %+v", c.Request()))
		return err
	}

	w := wsutils.NewThreadSafeWriter(conn)
	defer w.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	var env protocol.Envelope
	if err := w.ReadJSON(&env); err != nil {
		return ctrl.wsError(w, err)
	}
	if env.Type != protocol.EnvelopeJoin {
		return ctrl.wsError(w, ErrJoinRequired)
	}

	var join protocol.JoinPayload
	if err := env.Decode(&join); err != nil {
		return ctrl.wsError(w, err)
	}

	id := env.From
	if id == "" {
		id = uuid.NewString()
	}

	members, err := ctrl.registry.Join(roomID, id, join.Name, wsEnvelopeWriter{w})
	if err != nil {
		return ctrl.wsError(w, err)
	}
	defer ctrl.registry.Leave(roomID, id)

	snapshot, err := protocol.NewEnvelope(protocol.EnvelopeJoin, roomID, "", 0, protocol.JoinPayload{Members: members})
	if err != nil {
		return ctrl.wsError(w, err)
	}
	snapshot.To = id
	if err := w.WriteJSON(snapshot); err != nil {
		return ctrl.wsError(w, err)
	}

	for {
		msg := new(protocol.Envelope)
		if err := w.ReadJSON(msg); err != nil {
			// Transport-detected leave; the deferred Leave broadcasts it.
			return nil
		}
		if !msg.Type.Valid() {
			ctrl.logger.Warn("dropping envelope", slog.String("type", string(msg.Type)), slog.String("from", id))
			continue
		}

		// Sender identity is authoritative server-side.
		msg.Room = roomID
		msg.From = id

		if msg.Type == protocol.EnvelopeLeave {
			return nil
		}
		if err := ctrl.registry.Relay(roomID, msg); err != nil {
			ctrl.logger.Warn("relay failed", slog.String("room", roomID), slog.String("err", err.Error()))
		}
	}
}

func (ctrl *registryController) Resolve(e *echo.Echo) error {
	e.GET("/rooms/:roomID", ctrl.RoomSignaling)
	return nil
}

var _ protocol.HttpResolvable = (*registryController)(nil)

type newRegistryController_Params struct {
	fx.In

	Logger   *slog.Logger
	Registry *Registry
}

func NewRegistryController(params newRegistryController_Params) *registryController {
	return &registryController{
		logger:   params.Logger,
		registry: params.Registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}
