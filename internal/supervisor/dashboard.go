package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const restartCooldown = 60 * time.Second

// restartState tracks the supervisor's own graceful-restart cooldown,
// grounded on original_source dashboard.py's _RestartState. It lives only
// in memory: a supervisor restart resets the cooldown, which is intended.
type restartState struct {
	mu          sync.Mutex
	lastRestart time.Time
	Requested   chan struct{}
}

func newRestartState() *restartState {
	return &restartState{Requested: make(chan struct{}, 1)}
}

func (r *restartState) cooldownRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRestart.IsZero() {
		return 0
	}
	remaining := restartCooldown - time.Since(r.lastRestart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// tryMarkRestart atomically checks the cooldown and, if clear, marks a
// restart as requested. Returns 0 on acceptance, or the remaining cooldown.
func (r *restartState) tryMarkRestart() time.Duration {
	r.mu.Lock()
	if !r.lastRestart.IsZero() {
		if remaining := restartCooldown - time.Since(r.lastRestart); remaining > 0 {
			r.mu.Unlock()
			return remaining
		}
	}
	r.lastRestart = time.Now()
	r.mu.Unlock()

	select {
	case r.Requested <- struct{}{}:
	default:
	}
	return 0
}

// Dashboard serves the operator-facing REST+WS surface over the supervised
// fleet, grounded on original_source's dashboard.py and adapted to Go's
// net/http + gorilla/websocket the way the teacher's gateway server does.
type Dashboard struct {
	pm       *ProcessManager
	deployer *Deployer
	git      *GitPoller
	sessions *SessionMonitor
	logDir   string
	restart  *restartState
	log      *slog.Logger

	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]struct{}
	clientMu sync.Mutex

	httpServer *http.Server
}

func NewDashboard(pm *ProcessManager, deployer *Deployer, git *GitPoller, sessions *SessionMonitor, logDir string, log *slog.Logger) *Dashboard {
	if log == nil {
		log = slog.Default()
	}
	return &Dashboard{
		pm:       pm,
		deployer: deployer,
		git:      git,
		sessions: sessions,
		logDir:   logDir,
		restart:  newRestartState(),
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]struct{}{},
	}
}

// RestartRequested is closed-channel-style signaling for the main loop: a
// value arrives whenever the dashboard accepts a graceful restart request.
func (d *Dashboard) RestartRequested() <-chan struct{} {
	return d.restart.Requested
}

func (d *Dashboard) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", d.handleStatus)
	mux.HandleFunc("/api/process/", d.handleProcessControl)
	mux.HandleFunc("/api/deploy", d.handleDeploy)
	mux.HandleFunc("/api/supervisor/restart", d.handleRestart)
	mux.HandleFunc("/api/logs/", d.handleLogs)
	mux.HandleFunc("/ws", d.handleWebSocket)
	mux.HandleFunc("/", d.handleRoot)
	return mux
}

// Serve runs the dashboard HTTP server until ctx is canceled.
func (d *Dashboard) Serve(ctx context.Context, addr string) error {
	d.httpServer = &http.Server{Addr: addr, Handler: d.buildMux()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpServer.Shutdown(shutdownCtx)
	}()

	d.log.Info("dashboard starting", "addr", addr)
	if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"processes": d.pm.Status(),
		"deploy":    map[string]any{"state": d.deployer.State()},
		"git": map[string]any{
			"local_head":  d.git.LocalHead,
			"remote_head": d.git.RemoteHead,
			"has_changes": d.git.LocalHead != d.git.RemoteHead,
		},
		"supervisor": map[string]any{
			"cooldown_remaining":    d.restart.cooldownRemaining().Seconds(),
			"active_sessions_count": d.sessions.ActiveSessionCount(),
		},
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *Dashboard) handleProcessControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/process/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	name, action := parts[0], parts[1]

	var err error
	switch action {
	case "start":
		err = d.pm.Start(name)
	case "stop":
		_, err = d.pm.Stop(name, 10*time.Second)
	case "restart":
		err = d.pm.Restart(name)
	default:
		http.Error(w, "invalid action: "+action, http.StatusBadRequest)
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errIsNotRegistered(err) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action, "process": name})
}

func errIsNotRegistered(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrProcessNotRegistered.Error())
}

func (d *Dashboard) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d.deployer.NotifyChange(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"state": d.deployer.State()})
}

func (d *Dashboard) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Force bool `json:"force"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	active := d.sessions.ActiveSessionCount()
	if active > 0 && !body.Force {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":                    false,
			"warning":               true,
			"message":               fmt.Sprintf("%d active agent sessions", active),
			"active_sessions_count": active,
		})
		return
	}

	remaining := d.restart.tryMarkRestart()
	if remaining > 0 {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"message":            "restart cooldown in effect",
			"cooldown_remaining": remaining.Seconds(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "supervisor restart requested"})
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/logs/")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		http.Error(w, "invalid name", http.StatusBadRequest)
		return
	}

	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	suffix := "out"
	if r.URL.Query().Get("type") == "error" {
		suffix = "error"
	}

	logPath := filepath.Join(d.logDir, fmt.Sprintf("%s-%s.log", name, suffix))
	resolvedDir, err1 := filepath.Abs(d.logDir)
	resolvedFile, err2 := filepath.Abs(logPath)
	if err1 != nil || err2 != nil || !strings.HasPrefix(resolvedFile, resolvedDir+string(filepath.Separator)) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	data, err := os.ReadFile(resolvedFile)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"lines": []string{}, "file": logPath})
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines, "file": logPath})
}

func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Error("dashboard websocket upgrade failed", "error", err)
		return
	}
	d.clientMu.Lock()
	d.clients[conn] = struct{}{}
	d.clientMu.Unlock()

	defer func() {
		d.clientMu.Lock()
		delete(d.clients, conn)
		d.clientMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastStatus pushes a status snapshot to every connected dashboard
// client, called by the supervisor main loop on every tick.
func (d *Dashboard) BroadcastStatus() {
	d.clientMu.Lock()
	defer d.clientMu.Unlock()
	if len(d.clients) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":      "status",
		"processes": d.pm.Status(),
		"deploy":    d.deployer.State(),
	})
	if err != nil {
		return
	}
	for conn := range d.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			d.log.Warn("dashboard broadcast failed", "error", err)
		}
	}
}

func (d *Dashboard) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<h1>supervisor dashboard</h1>"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
