package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/notify"
	"github.com/jo-hoe/mediajobs/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleJobEvents streams job snapshots over a websocket: the current state
// first, then every change until the job is terminal or the client leaves.
func (svc *Service) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !util.ValidID(id) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	// Subscribe before reading the snapshot so no change falls in between.
	sub, err := svc.Hub.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer sub.Close()
	job, ok := svc.loadJob(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		svc.Log.Debug("websocket upgrade failed", "job_id", id, "err", err)
		return
	}
	defer conn.Close()
	log := svc.Log.With("job_id", id, "remote", r.RemoteAddr)

	gone := make(chan struct{})
	go readUntilClosed(conn, gone)

	snapshot := job.View()
	if err := writeView(conn, snapshot); err != nil {
		return
	}
	if snapshot.Status.Terminal() {
		closeNormally(conn, "job finished")
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case v, open := <-sub.Updates():
			if !open {
				closeWith(conn, subscriptionEndCode(sub), "subscription ended; reload job state")
				return
			}
			if v.UpdatedAt.Before(snapshot.UpdatedAt) {
				continue
			}
			if err := writeView(conn, v); err != nil {
				log.Debug("websocket write failed", "err", err)
				return
			}
			if v.Status.Terminal() {
				closeNormally(conn, "job finished")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			log.Debug("websocket client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are processed.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeView(conn *websocket.Conn, v jobs.View) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func closeNormally(conn *websocket.Conn, reason string) {
	closeWith(conn, websocket.CloseNormalClosure, reason)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func subscriptionEndCode(sub *notify.Subscription) int {
	if sub.Overflowed() {
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseGoingAway
}
