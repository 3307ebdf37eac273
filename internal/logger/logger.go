package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/loykin/sysinitd/internal/service"
)

// Default rotation settings for service output files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Rotation applies to every file a service's stdout or stderr is redirected to.
// Parameters follow lumberjack semantics; zero values use the defaults.
type Rotation struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Writer returns a rotating writer for path. The parent directory is created.
func (r Rotation) Writer(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(r.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(r.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(r.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   r.Compress,
	}, nil
}

// Streams are the standard streams of one spawned process.
type Streams struct {
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// Open prepares the streams described by l. Streams without a path are
// connected to the null device. On error nothing is left open.
func Open(l *service.Log, r Rotation) (*Streams, error) {
	var spec service.Log
	if l != nil {
		spec = *l
	}
	s := &Streams{}
	var err error

	if spec.Stdin != "" {
		s.Stdin, err = os.Open(filepath.Clean(spec.Stdin))
	} else {
		s.Stdin, err = os.Open(os.DevNull)
	}
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}

	if s.Stdout, err = output(spec.Stdout, r); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("stdout: %w", err)
	}
	if spec.Stderr != "" && spec.Stderr == spec.Stdout {
		s.Stderr = nopCloser{s.Stdout}
	} else if s.Stderr, err = output(spec.Stderr, r); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("stderr: %w", err)
	}
	return s, nil
}

func output(path string, r Rotation) (io.WriteCloser, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return r.Writer(path)
}

// Close closes every open stream.
func (s *Streams) Close() error {
	var errs []error
	for _, c := range []io.Closer{s.Stdin, s.Stdout, s.Stderr} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
