package main

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSMTPServer is a minimal submission server for testing. It offers
// AUTH PLAIN. With offerStartTLS it advertises STARTTLS but refuses it.
// With tlsConfig set it advertises STARTTLS and completes the upgrade.
type fakeSMTPServer struct {
	listener net.Listener

	offerStartTLS bool
	tlsConfig     *tls.Config
	noAuth        bool
	noEHLO        bool
	rejectRcpt    string

	mu        sync.Mutex
	messages  []string
	rcpts     []string
	logins    []string
	loginsTLS []bool
	sessions  int
}

func startFakeSMTPServer(t *testing.T, configure ...func(*fakeSMTPServer)) *fakeSMTPServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to start SMTP server")

	s := &fakeSMTPServer{listener: listener}
	for _, fn := range configure {
		fn(s)
	}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()
		go func() {
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	secure := false
	reply := func(lines ...string) {
		for _, l := range lines {
			_, _ = writer.WriteString(l + "\r\n")
		}
		_ = writer.Flush()
	}

	reply("220 localhost ESMTP Test Server")
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO") && s.noEHLO:
			reply("502 Command not implemented")
		case strings.HasPrefix(upper, "EHLO"):
			lines := []string{"250-localhost", "250-8BITMIME"}
			if (s.offerStartTLS || s.tlsConfig != nil) && !secure {
				lines = append(lines, "250-STARTTLS")
			}
			if !s.noAuth {
				lines = append(lines, "250-AUTH PLAIN LOGIN")
			}
			lines = append(lines, "250 HELP")
			reply(lines...)
		case strings.HasPrefix(upper, "HELO"):
			reply("250 localhost")
		case upper == "STARTTLS" && s.tlsConfig != nil && !secure:
			reply("220 Ready to start TLS")
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			reader = bufio.NewReader(tlsConn)
			writer = bufio.NewWriter(tlsConn)
			secure = true
		case upper == "STARTTLS":
			reply("454 TLS not available")
		case strings.HasPrefix(upper, "AUTH PLAIN "):
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[len("AUTH PLAIN "):]))
			if err != nil {
				reply("501 bad encoding")
				continue
			}
			s.mu.Lock()
			s.logins = append(s.logins, string(decoded))
			s.loginsTLS = append(s.loginsTLS, secure)
			s.mu.Unlock()
			reply("235 2.7.0 Authentication successful")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			addr := strings.Trim(line[len("RCPT TO:"):], "<> ")
			if s.rejectRcpt != "" && strings.EqualFold(addr, s.rejectRcpt) {
				reply("550 5.1.1 No such user")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, addr)
			s.mu.Unlock()
			reply("250 OK")
		case upper == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var msg bytes.Buffer
			for {
				text, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if text == ".\r\n" {
					break
				}
				msg.WriteString(strings.TrimPrefix(text, "."))
			}
			s.mu.Lock()
			s.messages = append(s.messages, msg.String())
			s.mu.Unlock()
			reply("250 OK queued")
		case upper == "QUIT":
			reply("221 localhost closing connection")
			return
		default:
			reply("500 Syntax error")
		}
	}
}

func (s *fakeSMTPServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *fakeSMTPServer) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rcpts...)
}

func (s *fakeSMTPServer) authentications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logins...)
}

// authenticatedOverTLS reports, per AUTH, whether it arrived after STARTTLS.
func (s *fakeSMTPServer) authenticatedOverTLS() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.loginsTLS...)
}

func (s *fakeSMTPServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// testTLSConfig is a server config with a self-signed certificate for
// 127.0.0.1.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	srv.StartTLS()
	config := srv.TLS.Clone()
	srv.Close()
	config.NextProtos = nil
	return config
}

// testConfig is a normalized configuration pointing at port on localhost,
// without STARTTLS.
func testConfig(t *testing.T, port int) Config {
	t.Helper()
	c := Config{
		From:          "sender@example.com",
		Password:      "secret",
		Server:        "127.0.0.1",
		Port:          port,
		Subject:       "Bonjour",
		Helo:          "client.test",
		Delimiter:     ";",
		EmailColumn:   "Email",
		NameColumn:    "Nom",
		CompanyColumn: "Entreprise",
		NameFallback:  "Cher client",
		LogDir:        t.TempDir(),
		LogLevel:      "debug",
		LogFormat:     "text",
		Images:        map[string]string{},
		noStartTLS:    true,
	}
	require.NoError(t, c.Normalize())
	return c
}

// newTestLogger returns a logger writing text records into the returned
// buffer.
func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// closedPort returns a localhost port nothing is listening on.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
