package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "medbot.log"

// Service owns the process sinks. Loggers it hands out pick up every Apply.
type Service struct {
	mu   sync.Mutex // serializes Apply and Close
	file *os.File
	zl   atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{live: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply replaces level and sinks. A log file that cannot be opened is
// reported on stderr and console output is kept so nothing goes silent.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, console(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console(os.Stdout))
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.zl.Store(&zl)
}

// Close releases the log file. Loggers keep writing to the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
