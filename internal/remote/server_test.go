package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal sshd: password, keyboard-interactive with an
// optional forced password change, public keys, and exec requests.
type testServer struct {
	t    *testing.T
	cfg  *ssh.ServerConfig
	ln   net.Listener
	host string
	port int

	mu          sync.Mutex
	password    string
	forceChange bool
	authorized  ssh.PublicKey
	commands    []string
	files       map[string][]byte
	// exec overrides the default command handling when it returns handled.
	exec func(cmd string, stdin []byte) (stdout string, code int, handled bool)
}

var catTarget = regexp.MustCompile(`cat > '([^']*)'`)

func newTestServer(t *testing.T, password string) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	s := &testServer{t: t, password: password, files: map[string][]byte{}}
	s.cfg = &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.forceChange {
				return nil, errors.New("password expired")
			}
			if string(pw) != s.password {
				return nil, errors.New("denied")
			}
			return nil, nil
		},
		KeyboardInteractiveCallback: func(_ ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			ans, err := client("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			current, force := s.password, s.forceChange
			s.mu.Unlock()
			if len(ans) != 1 || ans[0] != current {
				return nil, errors.New("denied")
			}
			if !force {
				return nil, nil
			}
			ans, err = client("",
				"You are required to change your password immediately (administrator enforced)",
				[]string{"Current password: ", "New password: ", "Retype new password: "},
				[]bool{false, false, false})
			if err != nil {
				return nil, err
			}
			if len(ans) != 3 || ans[0] != current || ans[1] == "" || ans[1] != ans[2] {
				return nil, errors.New("password change failed")
			}
			s.mu.Lock()
			s.password = ans[1]
			s.forceChange = false
			s.mu.Unlock()
			return nil, nil
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.authorized != nil && string(key.Marshal()) == string(s.authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	s.cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.ln = ln
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.host = host
	s.port, _ = strconv.Atoi(port)
	t.Cleanup(func() { ln.Close() })

	go s.serve()
	return s
}

func (s *testServer) target(user, password string) Target {
	return Target{Host: s.host, Port: s.port, User: user, Password: password, Timeout: 5 * time.Second}
}

func (s *testServer) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) file(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return b, ok
}

func (s *testServer) currentPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

func (s *testServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc)
	}
}

func (s *testServer) handleConn(nc net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		stdin, _ := io.ReadAll(ch)
		stdout, stderr, code := s.run(payload.Command, stdin)
		io.WriteString(ch, stdout)
		io.WriteString(ch.Stderr(), stderr)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		return
	}
}

func (s *testServer) run(cmd string, stdin []byte) (string, string, int) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	hook := s.exec
	s.mu.Unlock()

	if hook != nil {
		if out, code, ok := hook(cmd, stdin); ok {
			return out, "", code
		}
	}

	switch {
	case cmd == "bash -s":
		if strings.Contains(string(stdin), "SETUP_COMPLETE") {
			return "configuring\nSETUP_COMPLETE\n", "", 0
		}
		return string(stdin), "", 0
	case strings.HasPrefix(cmd, "echo "):
		return strings.TrimPrefix(cmd, "echo ") + "\n", "", 0
	case strings.Contains(cmd, "cat > "):
		m := catTarget.FindStringSubmatch(cmd)
		if m == nil {
			return "", "bad upload", 2
		}
		s.mu.Lock()
		s.files[m[1]] = stdin
		s.mu.Unlock()
		return "", "", 0
	case cmd == "false":
		return "", "nope", 1
	case cmd == "sleep":
		time.Sleep(2 * time.Second)
		return "", "", 0
	}
	return "ok\n", "", 0
}
