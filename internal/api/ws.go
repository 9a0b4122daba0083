package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens authenticate the stream, not cookies, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusStream pushes the job status on connect and after every change.
// The server closes the stream once the job reaches done or failed.
func (s *Server) statusStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	st, err := s.deps.Stepper.Status(r.Context(), caller(r), jobID)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	updates, unsubscribe := s.deps.Hub.Subscribe(jobID)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("job_id", jobID).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := s.log.WithFields(logrus.Fields{"job_id": jobID, "remote_ip": r.RemoteAddr, "subscribers": s.deps.Hub.Subscribers(jobID)})
	log.Debug("status stream opened")

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
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
	}()

	send := func(st types.JobStatus) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(st); err != nil {
			log.WithError(err).Debug("status stream write failed")
			return false
		}
		return !st.Stage.Terminal()
	}

	if !send(st) {
		closeStream(conn)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case st, ok := <-updates:
			if !ok || !send(st) {
				closeStream(conn)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debug("status stream closed by client")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
