// Package transport implements the length-prefixed TCP framing and the
// fire-and-forget UDP heartbeat channel that the dispatcher and worker
// use to talk to each other.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brakerun/convoy/internal/extraction"
	"github.com/brakerun/convoy/internal/logger"
	"github.com/brakerun/convoy/internal/protocol"
)

// Default timeouts, used whenever a caller passes zero. Mirrors the
// connect/send/recv split so a slow DNS lookup or TCP handshake doesn't
// eat into the budget for the actual transfer.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSendTimeout    = 30 * time.Second
	DefaultRecvTimeout    = 30 * time.Second
	DefaultMaxHeaderBytes = 10 * 1000 * 1000
)

// RecvExact reads exactly n bytes from conn, looping over short reads.
func RecvExact(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("recv exact %d bytes: %w", n, err)
	}
	return buf, nil
}

// ReadFramed reads one [4-byte length][json header] frame and decodes it.
// It does not read any payload that may follow — the caller does that
// once it knows the header's byte_length.
func ReadFramed(conn net.Conn, maxHeaderBytes int64) (*protocol.Envelope, error) {
	lenBuf, err := RecvExact(conn, 4)
	if err != nil {
		return nil, err
	}
	headerLen := binary.BigEndian.Uint32(lenBuf)
	if int64(headerLen) > maxHeaderBytes {
		return nil, fmt.Errorf("header length %d exceeds max %d", headerLen, maxHeaderBytes)
	}

	headerBytes, err := RecvExact(conn, int(headerLen))
	if err != nil {
		return nil, err
	}

	return protocol.Unmarshal(headerBytes)
}

// writeFrame serializes header and writes [len][header][payload] to w.
func writeFrame(w io.Writer, header *protocol.Envelope, payload []byte) error {
	headerBytes, err := protocol.Marshal(header)
	if err != nil {
		return err
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(headerBytes)))

	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// dial connects to addr, applying connectTimeout to the handshake and
// sendTimeout to the write deadline for everything after.
func dial(addr string, connectTimeout, sendTimeout time.Duration) (net.Conn, error) {
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if sendTimeout == 0 {
		sendTimeout = DefaultSendTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if sendTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// SendTCP connects to addr and writes header with no payload.
func SendTCP(addr string, header *protocol.Envelope, connectTimeout, sendTimeout time.Duration) error {
	conn, err := dial(addr, connectTimeout, sendTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	return writeFrame(conn, header, nil)
}

// SendFileTCP connects to addr and writes header followed by the
// contents of filePath. header.ByteLength must already match the file
// size; the caller is responsible for setting it.
func SendFileTCP(addr string, header *protocol.Envelope, filePath string, connectTimeout, sendTimeout time.Duration) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	conn, err := dial(addr, connectTimeout, sendTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	headerBytes, err := protocol.Marshal(header)
	if err != nil {
		return err
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(headerBytes)))

	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	if _, err := conn.Write(headerBytes); err != nil {
		return err
	}
	if _, err := io.Copy(conn, f); err != nil {
		return fmt.Errorf("send file payload: %w", err)
	}
	return nil
}

// MessageHandler processes one decoded, payload-resolved header. It runs
// on the connection's own goroutine, so it must not block indefinitely.
type MessageHandler func(header *protocol.Envelope)

// ServerConfig bundles the timeouts and storage root a Server needs.
type ServerConfig struct {
	Host           string
	Port           int
	StoragePath    string
	MaxHeaderBytes int64
	RecvTimeout    time.Duration
	Log            *logger.Logger
}

// Server accepts framed TCP connections, persists any payload per
// spec.md's extension rules, and hands the resulting header to Handler.
type Server struct {
	cfg     ServerConfig
	handler MessageHandler
}

func NewServer(cfg ServerConfig, handler MessageHandler) *Server {
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.RecvTimeout == 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	return &Server{cfg: cfg, handler: handler}
}

// Serve listens until ctx is cancelled. Unlike the polling-accept-loop
// style of a single-threaded reference server, it relies on closing the
// listener from a watcher goroutine to unblock Accept — the standard Go
// way to make a blocking accept loop cancellable.
func (s *Server) Serve(ctxDone <-chan struct{}) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctxDone
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctxDone:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.cfg.RecvTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.RecvTimeout))
	}

	header, err := ReadFramed(conn, s.cfg.MaxHeaderBytes)
	if err != nil {
		if s.cfg.Log != nil {
			s.cfg.Log.Warn("dropping connection from %s: %v", conn.RemoteAddr(), err)
		}
		return
	}

	if header.Type == protocol.TypeNewJob || header.Type == protocol.TypeImagesReady {
		if err := s.persistPayload(conn, header); err != nil {
			if s.cfg.Log != nil {
				s.cfg.Log.Error("persisting payload for %s: %v", header.Type, err)
			}
			return
		}
	}

	s.handler(header)
}

// persistPayload reads header.ByteLength bytes from conn and writes them
// to disk according to the extension rules from spec.md §4.3: images are
// stored as-is, zips are stored then extracted with path-traversal
// defense, anything else is stored verbatim.
func (s *Server) persistPayload(conn net.Conn, header *protocol.Envelope) error {
	if header.ByteLength == nil {
		return fmt.Errorf("%s message missing byte_length", header.Type)
	}
	if header.Filename == "" {
		return fmt.Errorf("%s message missing filename", header.Type)
	}

	if *header.ByteLength < 0 {
		return fmt.Errorf("%s message has negative byte_length: %d", header.Type, *header.ByteLength)
	}

	payload, err := RecvExact(conn, int(*header.ByteLength))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.cfg.StoragePath, 0o755); err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	savedPath := filepath.Join(s.cfg.StoragePath, header.Filename)

	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		if err := os.WriteFile(savedPath, payload, 0o644); err != nil {
			return err
		}
		header.SavedPath = savedPath

	case ".zip":
		if err := os.WriteFile(savedPath, payload, 0o644); err != nil {
			return err
		}

		destDir := s.cfg.StoragePath
		if header.BatchID != nil && header.JobID != nil {
			destDir = filepath.Join(s.cfg.StoragePath, fmt.Sprintf("%d", *header.BatchID), fmt.Sprintf("%d", *header.JobID))
		}
		files, err := extraction.ExtractFiles(savedPath, destDir)
		if err != nil {
			return fmt.Errorf("extract %s: %w", savedPath, err)
		}
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.Path
		}
		header.Paths = paths
		header.SavedPath = destDir

	default:
		if err := os.WriteFile(savedPath, payload, 0o644); err != nil {
			return err
		}
		header.SavedPath = savedPath
	}

	return nil
}
