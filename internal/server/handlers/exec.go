package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/websoft9/sshgateway/internal/execsvc"
	"github.com/websoft9/sshgateway/internal/gateway"
)

type execCommandRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs"`
}

// ExecCommand handles POST /sessions/{id}/exec: one-shot command execution
// over the session's SSH transport, independent of its interactive shell.
func ExecCommand(gw *gateway.Gateway, execs *execsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, ok := gw.Get(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var req execCommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		timeout := req.TimeoutMs
		if timeout <= 0 {
			timeout = int(30 * time.Second / time.Millisecond)
		}

		res, err := execs.Command(r.Context(), sess, req.Command, timeout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

type attachExecRequest struct {
	Command string `json:"command"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

// AttachExec handles GET /sessions/{id}/exec/ws: upgrades to a WebSocket and
// pipes an interactive PTY exec to it, independent of the session's own
// shell bus.
func AttachExec(gw *gateway.Gateway, execs *execsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, ok := gw.Get(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var req attachExecRequest
		req.Command = r.URL.Query().Get("command")
		if req.Command == "" {
			http.Error(w, "missing command query parameter", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sock := &wsSocket{conn: conn}

		execID, err := execs.AttachInteractive(sess, req.Command, sock, 80, 24)
		if err != nil {
			sock.Send([]byte(`{"type":"error","message":"` + err.Error() + `"}`))
			conn.Close()
			return
		}

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				execs.Detach(execID)
				return
			}
			dispatchExecFrame(execs, execID, message)
		}
	}
}

type execControlFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func dispatchExecFrame(execs *execsvc.Service, execID string, raw []byte) {
	var f execControlFrame
	if json.Unmarshal(raw, &f) != nil {
		return
	}
	switch f.Type {
	case "input":
		execs.HandleInput(execID, []byte(f.Data))
	case "resize":
		execs.Resize(execID, f.Cols, f.Rows)
	}
}
