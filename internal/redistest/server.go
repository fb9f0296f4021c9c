// Package redistest provides an in-process Redis stand-in speaking RESP2
// for the handful of commands the gateway uses.
package redistest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Entry is one stream entry recorded by XADD
type Entry struct {
	ID     string
	Fields map[string]string
}

// Server is a minimal Redis server
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	streams map[string][]Entry
	ttls    map[string]int
}

// NewServer starts a server on a loopback port; it is closed on test cleanup
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("redistest: listen: %v", err)
	}
	s := &Server{
		ln:      ln,
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		streams: make(map[string][]Entry),
		ttls:    make(map[string]int),
	}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

// Addr returns host:port
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Get returns a stored value
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lookup(key)
	return v, ok
}

// TTL returns the EX seconds given when key was last set
func (s *Server) TTL(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

// Stream returns the entries added to a stream
func (s *Server) Stream(key string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.streams[key]...)
}

func (s *Server) lookup(key string) (string, bool) {
	if exp, ok := s.expires[key]; ok && time.Now().After(exp) {
		delete(s.values, key)
		delete(s.expires, key)
	}
	v, ok := s.values[key]
	return v, ok
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		s.exec(w, args)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err := readLine(r)
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimPrefix(head, "$"))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func bulk(w *bufio.Writer, v string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
}

func (s *Server) exec(w *bufio.Writer, args []string) {
	if len(args) == 0 {
		w.WriteString("-ERR empty command\r\n")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "PING":
		w.WriteString("+PONG\r\n")

	case "SET":
		if len(args) < 3 {
			w.WriteString("-ERR wrong number of arguments\r\n")
			return
		}
		key := args[1]
		s.values[key] = args[2]
		delete(s.expires, key)
		delete(s.ttls, key)
		for i := 3; i+1 < len(args); i++ {
			if strings.EqualFold(args[i], "EX") {
				secs, _ := strconv.Atoi(args[i+1])
				s.expires[key] = time.Now().Add(time.Duration(secs) * time.Second)
				s.ttls[key] = secs
			}
		}
		w.WriteString("+OK\r\n")

	case "GET", "GETDEL":
		v, ok := s.lookup(args[1])
		if !ok {
			w.WriteString("$-1\r\n")
			return
		}
		if strings.EqualFold(args[0], "GETDEL") {
			delete(s.values, args[1])
			delete(s.expires, args[1])
		}
		bulk(w, v)

	case "DEL":
		n := 0
		for _, k := range args[1:] {
			if _, ok := s.values[k]; ok {
				delete(s.values, k)
				n++
			}
		}
		fmt.Fprintf(w, ":%d\r\n", n)

	case "XADD":
		// XADD key [MAXLEN [~] n] id field value ...
		key := args[1]
		i := 2
		if strings.EqualFold(args[i], "MAXLEN") {
			i++
			if args[i] == "~" || args[i] == "=" {
				i++
			}
			i++
		}
		id := fmt.Sprintf("%d-0", len(s.streams[key])+1)
		i++ // skip "*"
		fields := make(map[string]string)
		for ; i+1 < len(args); i += 2 {
			fields[args[i]] = args[i+1]
		}
		s.streams[key] = append(s.streams[key], Entry{ID: id, Fields: fields})
		bulk(w, id)

	default:
		fmt.Fprintf(w, "-ERR unknown command '%s'\r\n", args[0])
	}
}
