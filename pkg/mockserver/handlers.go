package mockserver

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/echome/pkg/conversation"
	"github.com/harunnryd/echome/pkg/pcm"
)

// handleASR answers every binary frame with one word. Frames that are not
// whole 16-bit samples get an asr_error.
func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade(w, r)
	if err != nil {
		s.logger.Warn("asr_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	id := sessionID(r)
	s.logger.Info("asr_session_opened", "session_id", id, "sample_rate", r.URL.Query().Get("sample_rate"))

	frames := 0
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("asr_session_read_end", "session_id", id, "error", err)
			}
			s.logger.Info("asr_session_closed", "session_id", id, "frames", frames)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(data)%pcm.BytesPerSample != 0 {
			_ = conn.WriteJSON(map[string]any{
				"type":          "asr_error",
				"error_code":    "InvalidAudio",
				"error_message": "audio frame is not 16-bit PCM",
			})
			continue
		}
		pos := frames % s.cfg.WordsPerSentence
		word := s.cfg.Words[frames%len(s.cfg.Words)]
		if pos > 0 {
			word = " " + word
		}
		frames++
		if err := conn.WriteJSON(map[string]any{
			"type":         "asr_result",
			"text":         word,
			"sentence_end": pos == s.cfg.WordsPerSentence-1,
		}); err != nil {
			return
		}
	}
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	characterID, err := uuid.Parse(r.URL.Query().Get("characterId"))
	if err != nil {
		characterID = uuid.Nil
	}
	conn, err := s.upgrade(w, r)
	if err != nil {
		s.logger.Warn("conversation_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	id := sessionID(r)

	if err := conn.WriteJSON(map[string]any{
		"type":      "connection_established",
		"timestamp": time.Now(),
	}); err != nil {
		return
	}
	s.logger.Info("conversation_session_opened", "session_id", id, "character_id", characterID.String())

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("conversation_session_closed", "session_id", id)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var req conversation.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = conn.WriteJSON(map[string]string{"type": "error", "message": "Failed to start voice conversation: " + err.Error()})
			continue
		}
		if len(req.Messages) == 0 {
			_ = conn.WriteJSON(map[string]string{"type": "error", "message": "Failed to start voice conversation: no messages"})
			continue
		}
		if err := s.reply(conn, req); err != nil {
			return
		}
	}
}

// reply streams one turn: stream_start, a chunk and a tone per word, stream_end.
func (s *Server) reply(conn *safeConn, req conversation.Request) error {
	text := s.cfg.Reply(req.Messages)
	if err := conn.WriteJSON(map[string]string{"type": "stream_start"}); err != nil {
		return err
	}
	for i, word := range strings.Fields(text) {
		if i > 0 {
			word = " " + word
		}
		if err := conn.WriteJSON(map[string]string{"type": "stream_chunk", "content": word}); err != nil {
			return err
		}
		if err := conn.WriteBinary(pcm.Encode(Tone(s.cfg.AudioSampleRate, s.cfg.ChunkAudio, 440))); err != nil {
			return err
		}
		if s.cfg.ChunkDelay > 0 {
			time.Sleep(s.cfg.ChunkDelay)
		}
	}
	return conn.WriteJSON(map[string]string{"type": "stream_end"})
}

// Tone renders a quiet sine of the given length.
func Tone(sampleRate int, d time.Duration, freq float64) []float32 {
	n := int(int64(d) * int64(sampleRate) / int64(time.Second))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}
