package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/retrace-project/retrace/pkg/logflags"
)

// The memory server speaks a minimal "read N bytes at address A" protocol
// over a local socket, for platforms or configurations where the helper
// cannot obtain direct read access to the target's address space. The
// layout is a fixed little-endian contract shared with the helper:
//
//	request:  addr uint64, len uint64
//	response: addr uint64, len int64, then len bytes of data if len > 0
//
// A negative response length reports a fault at addr.
const (
	reqSize  = 16
	respSize = 16

	// MaxReadLen bounds a single request so a corrupted length cannot make
	// the server allocate without limit.
	MaxReadLen = 1 << 22
)

// Server serves reads of its own process's memory. It is started by the
// crash handler at install time, before any fault can occur, so that the
// helper always finds it listening.
type Server struct {
	ln   net.Listener
	mem  MemoryReader
	log  logflags.Logger
	mu   sync.Mutex
	done bool
}

// NewServer listens on the unix socket at path, serving reads from mem.
func NewServer(path string, mem MemoryReader) (*Server, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("memory server listen: %w", err)
	}
	return &Server{ln: ln, mem: mem, log: logflags.ProtocolLogger()}, nil
}

// Addr returns the socket address the server is listening on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until Close is called. Each connection is
// served on its own goroutine; requests within a connection are processed
// in order.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			done := s.done
			s.mu.Unlock()
			if done {
				return
			}
			s.log.Warnf("accept: %v", err)
			return
		}
		go s.serveConn(conn)
	}
}

// Close stops the server and closes the listening socket.
func (s *Server) Close() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	return s.ln.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	var req [reqSize]byte
	for {
		if _, err := io.ReadFull(conn, req[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("read request: %v", err)
			}
			return
		}
		addr := Address(binary.LittleEndian.Uint64(req[0:8]))
		length := binary.LittleEndian.Uint64(req[8:16])

		var resp [respSize]byte
		binary.LittleEndian.PutUint64(resp[0:8], uint64(addr))

		if length > MaxReadLen {
			binary.LittleEndian.PutUint64(resp[8:16], uint64(^uint64(0))) // -1
			if _, err := conn.Write(resp[:]); err != nil {
				return
			}
			continue
		}

		data := make([]byte, length)
		if _, err := s.mem.ReadMemory(data, addr); err != nil {
			s.log.Debugf("read %d bytes at %v: %v", length, addr, err)
			binary.LittleEndian.PutUint64(resp[8:16], uint64(^uint64(0))) // -1
			if _, err := conn.Write(resp[:]); err != nil {
				return
			}
			continue
		}

		binary.LittleEndian.PutUint64(resp[8:16], length)
		if _, err := conn.Write(resp[:]); err != nil {
			return
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

// Client is a MemoryReader that reads a remote process's memory through its
// memory server socket.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

var _ MemoryReader = (*Client)(nil)

// Dial connects to the memory server at the given unix socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("memory server dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReadMemory requests len(buf) bytes at addr from the server.
func (c *Client) ReadMemory(buf []byte, addr Address) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var req [reqSize]byte
	binary.LittleEndian.PutUint64(req[0:8], uint64(addr))
	binary.LittleEndian.PutUint64(req[8:16], uint64(len(buf)))
	if _, err := c.conn.Write(req[:]); err != nil {
		return 0, &MemoryError{Addr: addr, Len: len(buf), Err: err}
	}

	var resp [respSize]byte
	if _, err := io.ReadFull(c.conn, resp[:]); err != nil {
		return 0, &MemoryError{Addr: addr, Len: len(buf), Err: err}
	}
	length := int64(binary.LittleEndian.Uint64(resp[8:16]))
	if length < 0 {
		return 0, &MemoryError{Addr: addr, Len: len(buf)}
	}
	if length != int64(len(buf)) {
		return 0, &MemoryError{Addr: addr, Len: len(buf), Err: fmt.Errorf("short response: %d bytes", length)}
	}
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return 0, &MemoryError{Addr: addr, Len: len(buf), Err: err}
	}
	return len(buf), nil
}
