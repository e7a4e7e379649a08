package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net/smtp"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTest(t *testing.T, config Config) *Client {
	t.Helper()
	conn, err := Dial(context.Background(), config)
	require.NoError(t, err)
	c, err := NewClient(config, conn, config.Server)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Extensions(t *testing.T) {
	server := startFakeSMTPServer(t, func(s *fakeSMTPServer) {
		s.offerStartTLS = true
	})
	c := dialTest(t, testConfig(t, server.port()))

	ok, _ := c.Extension("starttls")
	assert.True(t, ok)
	ok, params := c.Extension("AUTH")
	assert.True(t, ok)
	assert.Equal(t, "PLAIN LOGIN", params)
	assert.Equal(t, []string{"PLAIN", "LOGIN"}, c.auth)
	ok, _ = c.Extension("PIPELINING")
	assert.False(t, ok)
}

func TestClient_HeloFallback(t *testing.T) {
	server := startFakeSMTPServer(t, func(s *fakeSMTPServer) {
		s.noEHLO = true
	})
	c := dialTest(t, testConfig(t, server.port()))

	require.NoError(t, c.hello())
	ok, _ := c.Extension("AUTH")
	assert.False(t, ok)

	require.NoError(t, c.Mail("sender@example.com"))
	require.NoError(t, c.Rcpt("alice@example.com"))
	w, err := c.Data()
	require.NoError(t, err)
	_, err = io.WriteString(w, "Subject: hi\r\n\r\n.leading dot\r\nbody\r\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	require.Len(t, server.received(), 1)
	assert.Equal(t, "Subject: hi\r\n\r\n.leading dot\r\nbody\r\n", server.received()[0])
	assert.Equal(t, []string{"alice@example.com"}, server.recipients())
}

func TestClient_StartTLS(t *testing.T) {
	server := startFakeSMTPServer(t, func(s *fakeSMTPServer) {
		s.tlsConfig = testTLSConfig(t)
	})
	config := testConfig(t, server.port())
	c := dialTest(t, config)

	ok, _ := c.Extension("STARTTLS")
	require.True(t, ok)
	require.False(t, c.tls)

	require.NoError(t, c.StartTLS(&tls.Config{InsecureSkipVerify: true})) // #nosec G402 -- self-signed test certificate
	assert.True(t, c.tls)
	ok, _ = c.Extension("STARTTLS")
	assert.False(t, ok, "extensions are re-read after the upgrade")

	require.NoError(t, c.Auth(smtp.PlainAuth("", "user@example.com", "hunter2", config.Server)))
	assert.Equal(t, []bool{true}, server.authenticatedOverTLS())
}

func TestClient_Auth(t *testing.T) {
	server := startFakeSMTPServer(t)
	config := testConfig(t, server.port())
	c := dialTest(t, config)

	require.NoError(t, c.Auth(smtp.PlainAuth("", "user@example.com", "hunter2", config.Server)))
	assert.Equal(t, []string{"\x00user@example.com\x00hunter2"}, server.authentications())
}

func TestClient_AuthRefusesUnencryptedRemote(t *testing.T) {
	server := startFakeSMTPServer(t)
	config := testConfig(t, server.port())
	c := dialTest(t, config)
	// Pretend we reached a remote server by name over plaintext
	c.remoteHost = "smtp.example.com"

	err := c.Auth(smtp.PlainAuth("", "user@example.com", "hunter2", "smtp.example.com"))
	assert.Error(t, err)
	assert.Empty(t, server.authentications())
}

func TestClient_TranscriptMasksCredentials(t *testing.T) {
	var transcript bytes.Buffer
	saved, savedNoColor := color.Output, color.NoColor
	color.Output, color.NoColor = &transcript, true
	t.Cleanup(func() { color.Output, color.NoColor = saved, savedNoColor })

	server := startFakeSMTPServer(t)
	config := testConfig(t, server.port())
	config.Verbose = true
	logger, _ := newTestLogger()

	require.True(t, NewMailer(config, logger).Send(context.Background(), "alice@example.com", "Bonjour", "<p>hi</p>"))

	out := transcript.String()
	assert.Contains(t, out, "Connected to 127.0.0.1.")
	assert.Contains(t, out, " -> EHLO client.test")
	assert.Contains(t, out, "<-  250 OK")
	assert.Contains(t, out, " -> AUTH PLAIN ********")
	assert.Contains(t, out, " -> Subject: Bonjour")
	assert.Contains(t, out, "bytes of body]")
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, base64.StdEncoding.EncodeToString([]byte("\x00sender@example.com\x00secret")))
	assert.NotContains(t, out, "<p>hi</p>")
}

func TestClient_TranscriptMarksTLS(t *testing.T) {
	var transcript bytes.Buffer
	saved, savedNoColor := color.Output, color.NoColor
	color.Output, color.NoColor = &transcript, true
	t.Cleanup(func() { color.Output, color.NoColor = saved, savedNoColor })

	server := startFakeSMTPServer(t, func(s *fakeSMTPServer) {
		s.tlsConfig = testTLSConfig(t)
	})
	config := testConfig(t, server.port())
	config.UseStartTLS = true
	config.Insecure = true
	config.Verbose = true
	logger, _ := newTestLogger()

	require.True(t, NewMailer(config, logger).Send(context.Background(), "alice@example.com", "Bonjour", "<p>hi</p>"))

	out := transcript.String()
	assert.Contains(t, out, " -> STARTTLS")
	assert.Contains(t, out, "TLS started.")
	assert.Contains(t, out, " ~> AUTH PLAIN ********")
	assert.Contains(t, out, " ~> MAIL FROM:<sender@example.com>")
	assert.Contains(t, out, "<~  250 OK")
	assert.Contains(t, out, " ~> [")
}

func TestDial_FailureShownAsError(t *testing.T) {
	var transcript bytes.Buffer
	saved, savedNoColor := color.Output, color.NoColor
	color.Output, color.NoColor = &transcript, true
	t.Cleanup(func() { color.Output, color.NoColor = saved, savedNoColor })

	config := testConfig(t, closedPort(t))
	config.Verbose = true

	_, err := Dial(context.Background(), config)
	require.Error(t, err)
	assert.Contains(t, transcript.String(), "*** Failed to connect to 127.0.0.1:")
}

func TestConfig_MessageQuietByDefault(t *testing.T) {
	var transcript bytes.Buffer
	saved := color.Output
	color.Output = &transcript
	t.Cleanup(func() { color.Output = saved })

	config := testConfig(t, 25)
	config.Message(HintInfo, "hello")
	assert.Empty(t, transcript.String())

	config.Verbose = true
	config.Message(HintInfo, "hello\nworld")
	assert.Contains(t, transcript.String(), "hello")
	assert.Contains(t, transcript.String(), "world")
}
