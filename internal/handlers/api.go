// internal/handlers/api.go

// Package handlers is the lobby HTTP API: a thin translation layer between
// REST calls and the lobby manager / session machine. All business rules live
// behind it; handlers validate, delegate, and shape responses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/bananabit-dev/bevygap/internal/apperr"
	"github.com/bananabit-dev/bevygap/internal/auth"
	"github.com/bananabit-dev/bevygap/internal/lobby"
	"github.com/bananabit-dev/bevygap/internal/models"
)

// Sessions is the slice of the state machine the API reads from.
type Sessions interface {
	SessionForRoom(roomID string) (*models.Session, bool)
	Session(id string) (*models.Session, bool)
	TerminateSession(ctx context.Context, sessionID string) error
}

// Server bundles the API's collaborators.
type Server struct {
	Lobby     *lobby.Manager
	Sessions  Sessions
	RoomFeed  http.HandlerFunc // websocket room-event feed
	Webhook   http.HandlerFunc
	Health    http.HandlerFunc
	JWTSecret string
	Log       *logrus.Logger
}

type createRoomRequest struct {
	HostName   string `json:"host_name"`
	GameMode   string `json:"game_mode"`
	MaxPlayers int    `json:"max_players"`
}

type playerRequest struct {
	PlayerName string `json:"player_name"`
}

// sessionInfo is the session block embedded in room responses once a room has
// a backing deployment.
type sessionInfo struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
}

type roomResponse struct {
	*models.Room
	SessionInfo *sessionInfo `json:"session_info,omitempty"`
}

// Router builds the API mux.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /lobby/api/status", s.handleStatus)
	mux.HandleFunc("GET /lobby/api/rooms", s.handleListRooms)
	mux.HandleFunc("POST /lobby/api/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /lobby/api/rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /lobby/api/rooms/{id}/join", s.handleJoinRoom)
	mux.HandleFunc("POST /lobby/api/rooms/{id}/leave", s.handleLeaveRoom)
	mux.HandleFunc("POST /lobby/api/rooms/{id}/start", s.handleStartRoom)
	if s.RoomFeed != nil {
		mux.HandleFunc("GET /lobby/ws", s.RoomFeed)
	}
	if s.Webhook != nil {
		mux.HandleFunc("POST /webhooks/deployments", s.Webhook)
	}
	if s.Health != nil {
		mux.HandleFunc("GET /healthz", s.Health)
	}
	mux.HandleFunc("POST /admin/sessions/{id}/terminate",
		auth.RequireToken(s.JWTSecret, s.handleTerminateSession))
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Lobby.Status())
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.Lobby.ListActiveRooms()
	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, s.toRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Log.WithError(err).Debug("api: undecodable create-room payload")
		writeError(w, apperr.New(apperr.CodeInvalidArgument, "invalid JSON payload"))
		return
	}
	room, err := s.Lobby.CreateRoom(r.Context(), req.HostName, req.GameMode, req.MaxPlayers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toRoomResponse(room))
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.Lobby.GetRoom(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toRoomResponse(room))
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Log.WithError(err).Debug("api: undecodable join payload")
		writeError(w, apperr.New(apperr.CodeInvalidArgument, "invalid JSON payload"))
		return
	}
	room, err := s.Lobby.JoinRoom(r.Context(), r.PathValue("id"), req.PlayerName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toRoomResponse(room))
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Log.WithError(err).Debug("api: undecodable leave payload")
		writeError(w, apperr.New(apperr.CodeInvalidArgument, "invalid JSON payload"))
		return
	}
	if err := s.Lobby.LeaveRoom(r.Context(), r.PathValue("id"), req.PlayerName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStartRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.Lobby.StartRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toRoomResponse(room))
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.Sessions.Session(id); !ok {
		writeError(w, apperr.New(apperr.CodeNotFound, "session %s not found", id))
		return
	}
	if err := s.Sessions.TerminateSession(r.Context(), id); err != nil {
		writeError(w, apperr.New(apperr.CodeProviderError, "terminate failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) toRoomResponse(room *models.Room) roomResponse {
	resp := roomResponse{Room: room}
	if s.Sessions == nil {
		return resp
	}
	if sess, ok := s.Sessions.SessionForRoom(room.ID); ok {
		resp.SessionInfo = &sessionInfo{
			SessionID:    sess.ID,
			State:        string(sess.State),
			DeploymentID: sess.DeploymentID,
			Endpoint:     sess.Endpoint,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := &apperr.Error{Code: apperr.CodeOf(err), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body = ae
	}
	writeJSON(w, status, body)
}
