package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// Init routes the package logger to a file, or stderr when path is empty.
func Init(path string) error {
	var w io.Writer = os.Stderr
	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w = file
	}

	mu.Lock()
	logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	mu.Unlock()
	return nil
}

// Default returns the shared logger. Components embed it in their configs
// so tests can swap in zerolog.Nop().
func Default() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}
