package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Ajaxparmar/whatsAppWeb/internal/config"
	"github.com/Ajaxparmar/whatsAppWeb/internal/gate"
	"github.com/Ajaxparmar/whatsAppWeb/internal/session"
)

// Server owns the HTTP surface: the send API, status/health queries, the
// realtime channel and the static page.
type Server struct {
	cfg         *config.Config
	gate        *gate.Gate
	snapshot    func() session.Snapshot
	broadcaster *Broadcaster
	static      http.Handler
	startedAt   time.Time
	proc        *process.Process
}

func NewServer(cfg *config.Config, g *gate.Gate, snapshot func() session.Snapshot, broadcaster *Broadcaster, static http.Handler) *Server {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("server: process stats unavailable: %v", err)
	}
	return &Server{
		cfg:         cfg,
		gate:        g,
		snapshot:    snapshot,
		broadcaster: broadcaster,
		static:      static,
		startedAt:   time.Now(),
		proc:        proc,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/send-message", s.cors(s.handleSendMessage))
	mux.HandleFunc("/api/status", s.cors(s.handleStatus))
	mux.HandleFunc("/api/health", s.cors(s.handleHealth))
	if s.cfg.CredentialsEnabled() {
		mux.HandleFunc("/api/send", s.cors(s.handleSendQuery))
	}
	if s.static != nil {
		mux.Handle("/", s.static)
	}
}

type sendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type sendMessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	To      string `json:"to"`
	ID      string `json:"id,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	s.send(w, r, gate.Request{
		Number:  req.Number,
		Message: req.Message,
	})
}

// handleSendQuery is the token-gated variant: everything arrives as query
// parameters, credentials included. Mounted only when a credential pair is
// configured.
func (s *Server) handleSendQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	s.send(w, r, gate.Request{
		Number:       q.Get("number"),
		Message:      q.Get("message"),
		Type:         q.Get("type"),
		Credentialed: true,
		InstanceID:   q.Get("instance_id"),
		AccessToken:  q.Get("access_token"),
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, req gate.Request) {
	conf, err := s.gate.HandleSend(r.Context(), req)
	if err != nil {
		writeJSON(w, gateStatusCode(err), errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{
		Success: true,
		Message: "Message sent successfully",
		To:      conf.To,
		ID:      conf.ID,
	})
}

// gateStatusCode maps the gate's typed errors onto the HTTP surface.
func gateStatusCode(err error) int {
	switch {
	case errors.Is(err, gate.ErrMissingCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, gate.ErrInvalidCredentials):
		return http.StatusForbidden
	case errors.Is(err, gate.ErrMissingFields),
		errors.Is(err, gate.ErrMessageTooLong),
		errors.Is(err, gate.ErrUnsupportedType):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotReady):
		return http.StatusServiceUnavailable
	}

	var de *gate.DeliveryError
	if errors.As(err, &de) && de.Timeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type statusResponse struct {
	Ready      bool   `json:"ready"`
	HasQR      bool   `json:"hasQR"`
	InstanceID string `json:"instance_id,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	resp := statusResponse{
		Ready: snap.Ready(),
		HasQR: snap.HasChallenge(),
	}
	if s.cfg.CredentialsEnabled() {
		resp.InstanceID = s.cfg.Gate.InstanceID
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status     string  `json:"status"`
	Phase      string  `json:"phase"`
	Uptime     string  `json:"uptime"`
	Clients    int     `json:"clients"`
	RSSMB      float64 `json:"rss_mb,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Phase:   s.snapshot().Phase.String(),
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Clients: s.broadcaster.ClientCount(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			resp.RSSMB = float64(mem.RSS) / (1 << 20)
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	log.Printf("ws: client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("ws: client disconnected: %s", r.RemoteAddr)
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// checkOrigin mirrors the CORS policy on the ws channel: the configured
// frontend origin is allowed, as are same-host and localhost connections.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.cfg.Server.FrontendURL != "" && origin == s.cfg.Server.FrontendURL {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	if host == "localhost" || strings.HasPrefix(host, "localhost:") {
		return true
	}
	if host == "127.0.0.1" || strings.HasPrefix(host, "127.0.0.1:") {
		return true
	}
	return false
}

// cors stamps the configured frontend origin on API responses and answers
// preflights. With no FRONTEND_URL configured the API stays same-origin
// permissive, matching the original deployment default.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := s.cfg.Server.FrontendURL
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

