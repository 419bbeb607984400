package httpserver

import (
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when TURN entries carry ephemeral TURN REST credentials.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// handleICE serves the ICE server list browsers should pass to
// RTCPeerConnection. The relay itself never connects to these servers.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	if s.turnErr != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "turn rest credentials unavailable"})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	creds, err := s.turn.GenerateRandom()
	if err != nil {
		s.log.Error("turn_rest_generate_failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate turn credentials"})
		return
	}
	expires := creds.Expires.UTC()
	WriteJSON(w, http.StatusOK, iceResponse{
		ICEServers: withTURNRESTCredentials(servers, creds.Username, creds.Credential),
		ExpiresAt:  &expires,
	})
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.IsTURN(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
