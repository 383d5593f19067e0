// Package control implements the line protocol between a supervisor and its
// worker. Each side owns one end of a connected AF_UNIX stream pair and
// exchanges newline terminated tokens. Requests and replies strictly
// alternate; end of stream means the peer is gone.
package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Token is one protocol word.
type Token string

const (
	Ping     Token = "ping"
	Pong     Token = "pong"
	Takeover Token = "takeover"
	OK       Token = "ok"
	Shutdown Token = "shutdown"
)

// reloadWord starts the one-way report "reload <result> <pid>" a worker
// sends about reloads it started. The supervisor never answers it.
const reloadWord = "reload"

// ReloadReport builds the report token for a reload outcome.
func ReloadReport(result string, pid int) Token {
	return Token(fmt.Sprintf("%s %s %d", reloadWord, result, pid))
}

// ParseReloadReport reports whether t is a reload report and decodes it.
func ParseReloadReport(t Token) (result string, pid int, ok bool) {
	f := strings.Fields(string(t))
	if len(f) != 3 || f[0] != reloadWord {
		return "", 0, false
	}
	pid, err := strconv.Atoi(f[2])
	if err != nil {
		return "", 0, false
	}
	return f[1], pid, true
}

// ChildFD is the descriptor number of the worker end in the worker process.
const ChildFD = 3

var (
	// ErrClosed is returned once the peer closed its end or died.
	ErrClosed = errors.New("control channel closed")
	// ErrUnexpectedReply is returned when a request is answered with the wrong token.
	ErrUnexpectedReply = errors.New("unexpected control reply")
)

// Handler answers one incoming token. An empty reply sends nothing; a
// non-nil error stops Serve.
type Handler func(Token) (Token, error)

// Conn is one end of the channel.
type Conn struct {
	mu sync.Mutex // one outstanding request at a time
	c  net.Conn
	r  *bufio.Reader
}

// New wraps an established stream connection.
func New(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c)}
}

// Pair creates a connected pair. The Conn is the supervisor end; the file is
// the worker end, to be passed through exec.Cmd.ExtraFiles and closed by the
// caller once the worker has started.
func Pair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "control-supervisor")
	child := os.NewFile(uintptr(fds[1]), "control-worker")
	c, err := FileConn(parent)
	if err != nil {
		_ = child.Close()
		return nil, nil, err
	}
	return c, child, nil
}

// FileConn turns f into a Conn. f is closed; the Conn owns a close-on-exec
// duplicate so later children never inherit the channel.
func FileConn(f *os.File) (*Conn, error) {
	defer func() { _ = f.Close() }()
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("control connection from %s: %w", f.Name(), err)
	}
	return New(nc), nil
}

// FromFD opens the worker end inherited at fd.
func FromFD(fd uintptr) (*Conn, error) {
	f := os.NewFile(fd, "control")
	if f == nil {
		return nil, fmt.Errorf("control: invalid descriptor %d", fd)
	}
	return FileConn(f)
}

func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ErrClosed
	}
	return err
}

func (c *Conn) write(t Token) error {
	if _, err := io.WriteString(c.c, string(t)+"\n"); err != nil {
		return closedErr(err)
	}
	return nil
}

// ReadToken blocks for the next token.
func (c *Conn) ReadToken() (Token, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", closedErr(err)
	}
	return Token(strings.TrimSpace(line)), nil
}

// Request sends t and waits for the reply.
func (c *Conn) Request(t Token) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(t); err != nil {
		return "", err
	}
	return c.ReadToken()
}

func (c *Conn) expect(t, want Token) error {
	got, err := c.Request(t)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s answered with %q, want %q", ErrUnexpectedReply, t, got, want)
	}
	return nil
}

// Ping checks that the supervisor is alive.
func (c *Conn) Ping() error { return c.expect(Ping, Pong) }

// Takeover asks the supervisor to take over the generation lock and returns
// once it did.
func (c *Conn) Takeover() error { return c.expect(Takeover, OK) }

// Send writes t without waiting for a reply.
func (c *Conn) Send(t Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(t)
}

// ReportReload tells the supervisor about a reload outcome.
func (c *Conn) ReportReload(result string, pid int) error {
	return c.Send(ReloadReport(result, pid))
}

// Serve reads tokens until the peer closes the channel, writing the
// handler's replies. It returns nil on end of stream.
func (c *Conn) Serve(h Handler) error {
	for {
		t, err := c.ReadToken()
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		reply, err := h(t)
		if err != nil {
			return err
		}
		if reply == "" {
			continue
		}
		if err := c.Send(reply); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Close closes this end; the peer observes end of stream.
func (c *Conn) Close() error { return c.c.Close() }
