package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harunnryd/echome/pkg/logging"
	"github.com/harunnryd/echome/pkg/mockserver"
	"github.com/joho/godotenv"
)

// Serves the ASR and voice-conversation sockets locally so the voicechat
// example can run without the real backend.
func main() {
	addr := flag.String("addr", ":8080", "listen address")
	words := flag.String("words", "", "comma separated words the ASR socket emits, one per audio frame")
	perSentence := flag.Int("sentence", 0, "words per finished sentence")
	delay := flag.Duration("chunk_delay", 120*time.Millisecond, "pause between streamed reply chunks")
	flag.Parse()

	_ = godotenv.Load()
	logger := logging.New(logging.LogConfig{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})

	cfg := mockserver.Config{WordsPerSentence: *perSentence, ChunkDelay: *delay}
	if *words != "" {
		cfg.Words = strings.Split(*words, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("mock_backend_listening", "addr", *addr)
	if err := mockserver.New(cfg, logger).ListenAndServe(ctx, *addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
