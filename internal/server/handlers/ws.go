// Package handlers holds the illustrative HTTP/WebSocket glue that bridges
// client connections to a *gateway.Gateway. This stands in for the full
// route table, which is explicitly out of scope.
package handlers

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshgateway/internal/gateway"
	"github.com/websoft9/sshgateway/internal/server/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSocket adapts a gorilla *websocket.Conn to gateway.Socket, serializing
// writes since gorilla connections are not safe for concurrent writers.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

type createSessionRequest struct {
	HostID     string `json:"hostId"`
	RawCommand string `json:"rawCommand"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	SecretID   string `json:"secretId"`
	VaultToken string `json:"vaultToken"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// CreateSession handles POST /sessions: builds a session per the request
// body and returns its id. The interactive bus is attached separately over
// the /sessions/{id}/ws WebSocket route.
func CreateSession(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserID(r.Context())

		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		sess, err := gw.CreateSession(r.Context(), userID, gateway.CreateInput{
			HostID:     req.HostID,
			RawCommand: req.RawCommand,
			Host:       req.Host,
			Port:       req.Port,
			Username:   req.Username,
			SecretID:   req.SecretID,
			VaultToken: req.VaultToken,
			Password:   req.Password,
			PrivateKey: req.PrivateKey,
			Passphrase: req.Passphrase,
			Cols:       req.Cols,
			Rows:       req.Rows,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"sessionId": sess.ID})
	}
}

// CloseSession handles DELETE /sessions/{id}.
func CloseSession(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserID(r.Context())
		id := chi.URLParam(r, "id")

		if err := gw.CloseSession(r.Context(), userID, id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SessionBus handles GET /sessions/{id}/ws: upgrades to a WebSocket and
// attaches it to the named session's broadcast bus, then pumps inbound
// frames into OnWebsocketMessage until the socket closes.
func SessionBus(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, ok := gw.Get(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		sock := &wsSocket{conn: conn}
		attachID := newAttachID()
		sess.AttachWebsocket(attachID, sock)
		defer sess.DetachWebsocket(attachID)
		defer conn.Close()

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.BinaryMessage {
				sock.Send([]byte(`{"type":"error","message":"binary frames are not accepted on the session bus"}`))
				continue
			}
			if err := gw.OnWebsocketMessage(sess, message); err != nil {
				log.Error().Err(err).Str("sessionId", id).Msg("websocket message handling failed")
			}
		}
	}
}

var attachIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newAttachID() string {
	b := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("handlers: failed to read random bytes: " + err.Error())
	}
	return attachIDEncoding.EncodeToString(b)
}
