// Package mockserver emulates the echome backend: the streaming ASR socket
// and the voice conversation socket. It serves development runs and
// end-to-end tests without a speech or language model behind it.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/echome/pkg/conversation"
	"github.com/harunnryd/echome/pkg/logging"
)

// ReplyFunc produces the assistant reply for a request's messages.
type ReplyFunc func(messages []conversation.ChatMessage) string

type Config struct {
	// Words are emitted one per binary audio frame on the ASR socket, cycling.
	Words []string
	// WordsPerSentence sets how often a result carries sentence_end.
	WordsPerSentence int
	Reply            ReplyFunc
	// AudioSampleRate and ChunkAudio shape the tone sent after each text chunk.
	AudioSampleRate int
	ChunkAudio      time.Duration
	// ChunkDelay spaces out streamed chunks.
	ChunkDelay time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Words) == 0 {
		c.Words = []string{"hello", "there", "how", "are", "you"}
	}
	if c.WordsPerSentence <= 0 {
		c.WordsPerSentence = 5
	}
	if c.Reply == nil {
		c.Reply = EchoReply
	}
	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = 24000
	}
	if c.ChunkAudio <= 0 {
		c.ChunkAudio = 120 * time.Millisecond
	}
	return c
}

// EchoReply answers with the last user message.
func EchoReply(messages []conversation.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleUser {
			return "You said: " + messages[i].Content.String()
		}
	}
	return "Hello! How can I help?"
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(logger, "mockserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/asr", s.handleASR)
	r.Get("/ws/voice-conversation", s.handleConversation)
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mockserver_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*safeConn, error) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	sc := &safeConn{conn: conn}
	go func() {
		<-r.Context().Done()
		_ = sc.WriteClose(websocket.CloseNormalClosure, "")
	}()
	return sc, nil
}

func sessionID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}
