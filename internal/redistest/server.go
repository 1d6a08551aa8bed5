// Package redistest runs a tiny in-process Redis stand-in for tests.
//
// It speaks enough RESP2 for lateq's list traffic: PING, RPUSH, LPOP, BLPOP
// and LLEN. Every other command gets an error reply, which go-redis treats
// as "feature not supported" during its connection handshake.
package redistest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server is an in-memory Redis list store listening on 127.0.0.1.
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	lists   map[string][][]byte
	changed chan struct{}
	fail    []string
	closed  bool
	wg      sync.WaitGroup
}

// NewServer starts a Server on a random loopback port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:      ln,
		lists:   make(map[string][][]byte),
		changed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns the "host:port" the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// FailNext makes the next n list commands reply with the given error
// string, e.g. "OOM command not allowed".
func (s *Server) FailNext(n int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.fail = append(s.fail, msg)
	}
}

// List returns a copy of the list stored at key.
func (s *Server) List(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lists[key]))
	for i, v := range s.lists[key] {
		out[i] = string(v)
	}
	return out
}

// Push appends values to key as RPUSH would.
func (s *Server) Push(key string, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.lists[key] = append(s.lists[key], []byte(v))
	}
	s.notifyLocked()
}

// Close stops the listener and waits for connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.notifyLocked()
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// Unblock reads when the server shuts down.
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()
		for {
			select {
			case <-stop:
				return
			case <-ch:
			}
			s.mu.Lock()
			closed := s.closed
			ch = s.changed
			s.mu.Unlock()
			if closed {
				conn.Close()
				return
			}
		}
	}()

	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		s.dispatch(w, args)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args [][]byte) {
	if len(args) == 0 {
		writeError(w, "ERR empty command")
		return
	}
	cmd := strings.ToUpper(string(args[0]))
	switch cmd {
	case "PING":
		w.WriteString("+PONG\r\n")
		return
	case "RPUSH", "LPOP", "BLPOP", "LLEN":
	default:
		writeError(w, "ERR unknown command '"+strings.ToLower(cmd)+"'")
		return
	}

	s.mu.Lock()
	if len(s.fail) > 0 {
		msg := s.fail[0]
		s.fail = s.fail[1:]
		s.mu.Unlock()
		writeError(w, msg)
		return
	}
	s.mu.Unlock()

	switch cmd {
	case "RPUSH":
		if len(args) < 3 {
			writeError(w, "ERR wrong number of arguments for 'rpush' command")
			return
		}
		key := string(args[1])
		s.mu.Lock()
		for _, v := range args[2:] {
			s.lists[key] = append(s.lists[key], append([]byte{}, v...))
		}
		n := len(s.lists[key])
		s.notifyLocked()
		s.mu.Unlock()
		fmt.Fprintf(w, ":%d\r\n", n)

	case "LLEN":
		if len(args) != 2 {
			writeError(w, "ERR wrong number of arguments for 'llen' command")
			return
		}
		s.mu.Lock()
		n := len(s.lists[string(args[1])])
		s.mu.Unlock()
		fmt.Fprintf(w, ":%d\r\n", n)

	case "LPOP":
		if len(args) != 2 {
			writeError(w, "ERR wrong number of arguments for 'lpop' command")
			return
		}
		v, ok := s.pop(string(args[1]))
		if !ok {
			w.WriteString("$-1\r\n")
			return
		}
		writeBulk(w, v)

	case "BLPOP":
		if len(args) < 3 {
			writeError(w, "ERR wrong number of arguments for 'blpop' command")
			return
		}
		secs, err := strconv.ParseFloat(string(args[len(args)-1]), 64)
		if err != nil || secs < 0 {
			writeError(w, "ERR timeout is not a float or out of range")
			return
		}
		keys := args[1 : len(args)-1]
		key, v, ok := s.blockingPop(keys, time.Duration(secs*float64(time.Second)))
		if !ok {
			w.WriteString("*-1\r\n")
			return
		}
		w.WriteString("*2\r\n")
		writeBulk(w, []byte(key))
		writeBulk(w, v)
	}
}

func (s *Server) pop(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked(key)
}

func (s *Server) popLocked(key string) ([]byte, bool) {
	l := s.lists[key]
	if len(l) == 0 {
		return nil, false
	}
	v := l[0]
	s.lists[key] = l[1:]
	return v, true
}

// blockingPop waits for any of keys to become non-empty. A zero timeout
// waits until the server closes, as BLPOP 0 does.
func (s *Server) blockingPop(keys [][]byte, timeout time.Duration) (string, []byte, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		s.mu.Lock()
		for _, k := range keys {
			if v, ok := s.popLocked(string(k)); ok {
				s.mu.Unlock()
				return string(k), v, true
			}
		}
		if s.closed {
			s.mu.Unlock()
			return "", nil, false
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return "", nil, false
		}
	}
}

// readCommand reads one RESP array of bulk strings.
func readCommand(r *bufio.Reader) ([][]byte, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, errors.New("redistest: inline commands are not supported")
	}
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([][]byte, 0, n)
	for range n {
		hdr, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, fmt.Errorf("redistest: expected bulk string, got %q", hdr)
		}
		size, err := strconv.Atoi(string(hdr[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, buf[:size])
	}
	return args, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(line), "\r\n")), nil
}

func writeBulk(w *bufio.Writer, v []byte) {
	fmt.Fprintf(w, "$%d\r\n", len(v))
	w.Write(v)
	w.WriteString("\r\n")
}

func writeError(w *bufio.Writer, msg string) {
	w.WriteString("-" + msg + "\r\n")
}
