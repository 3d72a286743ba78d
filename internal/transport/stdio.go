package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/acp"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/acp/jsonrpc"
)

// maxLineBytes bounds a single stdio frame.
const maxLineBytes = 10 * 1024 * 1024

// StdioServer speaks line-delimited JSON-RPC on a reader/writer pair, one
// message per newline in both directions. Used for editor-embedded mode.
type StdioServer struct {
	acp    *acp.Server
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex // serializes writes to out
	logger *logger.Logger
}

// NewStdioServer serves on stdin/stdout.
func NewStdioServer(acpSrv *acp.Server, log *logger.Logger) *StdioServer {
	return NewStdioServerIO(acpSrv, os.Stdin, os.Stdout, log)
}

// NewStdioServerIO serves on an arbitrary reader/writer pair.
func NewStdioServerIO(acpSrv *acp.Server, in io.Reader, out io.Writer, log *logger.Logger) *StdioServer {
	return &StdioServer{
		acp:    acpSrv,
		in:     in,
		out:    out,
		logger: log.WithFields(zap.String("component", "stdio")),
	}
}

// Run reads frames until EOF or context cancellation. Each request is handled
// in its own goroutine so a cancel frame can land while a prompt is in
// flight; per-request notifications are written before the terminal response.
func (s *StdioServer) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, raw)
		}()
	}
	return scanner.Err()
}

func (s *StdioServer) handleLine(ctx context.Context, raw []byte) {
	resp := s.acp.Dispatcher().Dispatch(ctx, raw, s.writeNotification)
	if resp == nil {
		return
	}
	if err := s.writeFrame(resp); err != nil {
		s.logger.Error("stdio write failed", zap.Error(err))
	}
}

func (s *StdioServer) writeNotification(n *jsonrpc.Notification) {
	if err := s.writeFrame(n); err != nil {
		s.logger.Error("stdio notification write failed", zap.Error(err))
	}
}

func (s *StdioServer) writeFrame(v interface{}) error {
	data, err := marshalFrame(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	_, err = s.out.Write([]byte{'\n'})
	return err
}

// marshalFrame renders one JSON-RPC message for the wire.
func marshalFrame(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
