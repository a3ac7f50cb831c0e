// Package lognorm is the Log Normalizer (C5): it reads a subprocess's
// stdout/stderr as a byte stream, splits it into lines, and hands each line
// to the executor-provided parser, forwarding whatever normalized entries
// come back to the ring buffer and the Persistence Writer.
//
// This is only used for JSONL-streaming executors. Bidirectional JSON-RPC
// executors (codex-style) own their stdout reader directly and push entries
// through executor.SpawnOptions.EntrySink instead, bypassing this package
// entirely, per the protocol split documented in the executor package.
package lognorm

import (
	"bufio"
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
)

// Sink receives every normalized entry as it is produced, in stream order.
type Sink func(entry *model.LogEntry)

// maxLineSize bounds a single scanned line; a line longer than this makes
// bufio's scanner fail, and Run reports that as a stream error and stops
// reading the stream rather than hanging forever.
const maxLineSize = 4 * 1024 * 1024

// Streamer drives one subprocess stream (stdout or stderr) through an
// executor's LogParser.
type Streamer struct {
	parser     executor.LogParser
	ringBuffer *procmgr.RingBuffer[*model.LogEntry]
	sink       Sink
	logger     *logger.Logger

	// DebugWriter, when non-nil, receives every raw line verbatim before
	// parsing — wired only when LOG_EXECUTOR_IO is enabled.
	DebugWriter io.Writer
}

// New builds a Streamer bound to one execution's ring buffer and downstream sink.
func New(parser executor.LogParser, ringBuffer *procmgr.RingBuffer[*model.LogEntry], sink Sink, log *logger.Logger) *Streamer {
	return &Streamer{
		parser:     parser,
		ringBuffer: ringBuffer,
		sink:       sink,
		logger:     log.WithFields(zap.String("component", "log-normalizer")),
	}
}

// StreamName distinguishes stdout from stderr for diagnostics and the raw
// debug tee; it carries no meaning to the parser itself.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// Run blocks reading r line-by-line until EOF, ctx cancellation, or a scan
// error. It is meant to be called from its own goroutine per stream.
func (s *Streamer) Run(ctx context.Context, name StreamName, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if s.DebugWriter != nil {
			s.writeDebug(name, line)
		}

		lineCopy := append([]byte(nil), line...)
		entries, err := s.parser(lineCopy)
		if err != nil {
			s.logger.Warn("log normalizer: parser error", zap.String("stream", string(name)), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			s.emit(entry)
		}
	}

	if err := scanner.Err(); err != nil {
		s.emit(&model.LogEntry{
			EntryType: model.EntryTypeErrorMessage,
			Content:   "log stream error (" + string(name) + "): " + err.Error(),
			Visible:   true,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (s *Streamer) writeDebug(name StreamName, line []byte) {
	prefixed := append([]byte("["+string(name)+"] "), line...)
	prefixed = append(prefixed, '\n')
	if _, err := s.DebugWriter.Write(prefixed); err != nil {
		s.logger.Debug("log normalizer: debug tee write failed", zap.Error(err))
	}
}

func (s *Streamer) emit(entry *model.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if s.ringBuffer != nil {
		s.ringBuffer.Push(entry)
	}
	if s.sink != nil {
		s.sink(entry)
	}
}
