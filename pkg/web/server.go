// Package web serves a small status page with a live feed of captures.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	websocket "github.com/gorilla/websocket"
	config "github.com/mpoegel/camtrap/pkg/config"
	cors "github.com/rs/cors"
	zap "go.uber.org/zap"
)

//go:embed views/*.html
var views embed.FS

// Control is the subset of the control client the web server needs.
type Control interface {
	Status(ctx context.Context) (map[string]any, error)
	Watch(ctx context.Context, fn func(map[string]any) error) error
}

type Options struct {
	Web         config.Web
	ControlAddr string
	ImageDir    string
}

type Server struct {
	opt        Options
	control    Control
	logger     *zap.Logger
	plate      *template.Template
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

type FeedView struct {
	ID          string
	URL         string
	Media       string
	Trigger     string
	Timestamp   time.Time
	Temperature float64
	Humidity    float64
	Uploaded    bool
}

func NewServer(opt Options, control Control, logger *zap.Logger) (*Server, error) {
	plate, err := template.ParseFS(views, "views/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		opt:     opt,
		control: control,
		logger:  logger,
		plate:   plate,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpServer = &http.Server{
		Addr:        opt.Web.Listen,
		ReadTimeout: 5 * time.Second,
		Handler:     s.Handler(),
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HandleIndex)
	mux.HandleFunc("GET /status", s.HandleStatus)
	mux.HandleFunc("GET /feed", s.HandleFeed)
	mux.HandleFunc("GET /ws", s.HandleSocket)
	mux.Handle("GET /image/", http.StripPrefix("/image", http.FileServer(http.Dir(s.opt.ImageDir))))

	return cors.New(cors.Options{
		AllowedOrigins: s.opt.Web.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         86400,
	}).Handler(mux)
}

func (s *Server) Start(ctx context.Context) error {
	lnConfig := net.ListenConfig{}
	ln, err := lnConfig.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("starting server", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opt.Web.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	err := s.plate.ExecuteTemplate(w, "IndexView", struct{ ControlAddr string }{s.opt.ControlAddr})
	if err != nil {
		s.logger.Error("failed to execute index template", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.control.Status(r.Context())
	if err != nil {
		s.logger.Warn("failed to query trap status", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) HandleFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")
	flusher.Flush()

	s.logger.Info("got request for feed", zap.String("remote", r.RemoteAddr))

	err := s.control.Watch(r.Context(), func(m map[string]any) error {
		if err := s.writeEvent(w, "feed", "feed", viewOf(m)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if r.Context().Err() != nil {
		return
	}
	problem := "feed ended"
	if err != nil {
		problem = err.Error()
	}
	if err := s.writeEvent(w, "problem", "error", problem); err != nil {
		s.logger.Error("failed to execute error template", zap.Error(err))
	}
	flusher.Flush()
}

// writeEvent renders one server-sent event. Template output is folded onto
// a single data line.
func (s *Server) writeEvent(w http.ResponseWriter, event, tmpl string, data any) error {
	var buf bytes.Buffer
	if err := s.plate.ExecuteTemplate(&buf, tmpl, data); err != nil {
		return err
	}
	line := strings.ReplaceAll(buf.String(), "\n", " ")
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, line)
	return err
}

func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the page never sends anything, reading only detects the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.control.Watch(ctx, func(m map[string]any) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(m)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("websocket feed ended", zap.Error(err))
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed ended"),
		time.Now().Add(time.Second))
}

func viewOf(m map[string]any) FeedView {
	v := FeedView{}
	v.ID, _ = m["id"].(string)
	v.Media, _ = m["media"].(string)
	v.Trigger, _ = m["trigger"].(string)
	v.Temperature, _ = m["temperature"].(float64)
	v.Humidity, _ = m["humidity"].(float64)
	v.Uploaded, _ = m["uploaded"].(bool)
	if ts, ok := m["time"].(string); ok {
		v.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if v.Media != "" {
		v.URL = "/image/" + v.Media + ".jpg"
	}
	return v
}
