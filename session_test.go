package miltertap

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tapmail/miltertap/internal/config"
)

type reportSink struct {
	mu      sync.Mutex
	reports []*Report
}

func (rs *reportSink) collect(r *Report) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.reports = append(rs.reports, r)
}

func (rs *reportSink) all() []*Report {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*Report(nil), rs.reports...)
}

func startTestServer(t *testing.T, idleSeconds int) (*Server, string, *reportSink) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.IdleTimeout = idleSeconds

	sink := &reportSink{}
	srv := NewServer(config.NewStore(cfg), zaptest.NewLogger(t))
	srv.OnMessage = sink.collect

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return srv, l.Addr().String(), sink
}

func sendMessage(t *testing.T, s *ClientSession, subject, body string) {
	t.Helper()

	act, err := s.Mail("sender@example.org", nil)
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	act, err = s.Rcpt("rcpt@example.com", nil)
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	for _, h := range [][2]string{
		{"From", "sender@example.org"},
		{"To", "rcpt@example.com"},
		{"Subject", subject},
	} {
		act, err = s.HeaderField(h[0], h[1])
		require.NoError(t, err)
		require.Equal(t, ActContinue, act)
	}

	act, err = s.HeaderEnd()
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	act, err = s.BodyChunk([]byte(body))
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	act, err = s.End()
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
}

func TestNegotiationIntersection(t *testing.T) {
	_, addr, _ := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(OptAddHeader|OptChangeBody|OptQuarantine, OptNoBody|OptNoHelo)
	require.NoError(t, err)
	defer s.Close()

	// The tap requests no actions and refuses to skip headers or body.
	assert.Equal(t, OptAction(0), s.NegotiatedActions())
	assert.Equal(t, OptNoHelo, s.NegotiatedProtocol())
}

func TestFirstCommandMustBeNegotiation(t *testing.T) {
	_, addr, _ := startTestServer(t, 30)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writePacket(conn, Helo{Name: "early"}.encode(), 0))

	// The server closes the connection without answering.
	_, err = readPacket(conn, 2*time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRenegotiationRejected(t *testing.T) {
	_, addr, _ := startTestServer(t, 30)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	neg := OptNeg{Version: 6}.encode()
	require.NoError(t, writePacket(conn, neg, 0))
	_, err = readPacket(conn, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, writePacket(conn, neg, 0))
	_, err = readPacket(conn, 2*time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMultipleMessagesPerConnection(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	act, err := s.Conn("client.example.org", FamilyInet, 2525, "192.0.2.1")
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	act, err = s.Helo("client.example.org")
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	sendMessage(t, s, "first message", "body of the first message\r\n")
	sendMessage(t, s, "second message", "body of the second message\r\n")

	reports := sink.all()
	require.Len(t, reports, 2)

	assert.Equal(t, "first message", reports[0].Subject)
	assert.Equal(t, "second message", reports[1].Subject)

	// No state leaks between the two transactions.
	require.Len(t, reports[1].Texts, 1)
	assert.NotContains(t, reports[1].Texts[0].Content, "first message")
	assert.Contains(t, reports[1].Texts[0].Content, "second message")
}

func TestAbortDiscardsPartialMessage(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	// Start a message and abandon it mid-body.
	act, err := s.HeaderField("Subject", "abandoned")
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
	act, err = s.BodyChunk([]byte("partial body that must vanish"))
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
	require.NoError(t, s.Abort())

	sendMessage(t, s, "kept message", "the body that survives\r\n")

	reports := sink.all()
	require.Len(t, reports, 1)
	assert.Equal(t, "kept message", reports[0].Subject)
	require.Len(t, reports[0].Texts, 1)
	assert.NotContains(t, reports[0].Texts[0].Content, "vanish")
}

func TestEndOfBodyWithoutMessageReportsNothing(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	// End-of-body straight after negotiation: acknowledged, not reported.
	act, err := s.End()
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
	assert.Empty(t, sink.all())

	// The session is still usable for a real message afterwards.
	sendMessage(t, s, "real message", "real body\r\n")
	reports := sink.all()
	require.Len(t, reports, 1)
	assert.Equal(t, "real message", reports[0].Subject)
}

func TestEndOfBodyAfterAbortReportsNothing(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	act, err := s.HeaderField("Subject", "abandoned")
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
	require.NoError(t, s.Abort())

	// A late end-of-body for the aborted message fabricates nothing.
	act, err = s.End()
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
	assert.Empty(t, sink.all())
}

func TestDuplicateEndOfBodyReportsOnce(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	sendMessage(t, s, "only once", "body\r\n")

	act, err := s.End()
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	require.Len(t, sink.all(), 1)
}

func TestReportCarriesConnectionContext(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	act, err := s.Conn("client.example.org", FamilyInet, 2525, "192.0.2.1")
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
	act, err = s.Helo("ehlo.example.org")
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	sendMessage(t, s, "contextual", "body\r\n")

	reports := sink.all()
	require.Len(t, reports, 1)
	assert.Equal(t, "client.example.org", reports[0].ClientHostname)
	assert.Equal(t, "192.0.2.1", reports[0].ClientAddr)
	assert.Equal(t, "ehlo.example.org", reports[0].Helo)
}

func TestBadFrameClosesOnlyThatConnection(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	healthy, err := c.Session(0, 0)
	require.NoError(t, err)
	defer healthy.Close()

	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer bad.Close()
	require.NoError(t, writePacket(bad, OptNeg{Version: 6}.encode(), 0))
	_, err = readPacket(bad, 2*time.Second)
	require.NoError(t, err)

	// A zero-length frame is a framing violation; the server drops this
	// connection without answering.
	_, err = bad.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	_, err = readPacket(bad, 2*time.Second)
	assert.ErrorIs(t, err, io.EOF)

	// The other connection and the listener are unaffected.
	sendMessage(t, healthy, "survivor", "still flowing\r\n")
	require.Len(t, sink.all(), 1)
}

func TestBodySpansManyChunks(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	act, err := s.HeaderField("Subject", "chunked")
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)
	act, err = s.HeaderEnd()
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	pieces := []string{"alpha ", "beta ", "gamma"}
	for _, p := range pieces {
		act, err = s.BodyChunk([]byte(p))
		require.NoError(t, err)
		require.Equal(t, ActContinue, act)
	}
	act, err = s.End()
	require.NoError(t, err)
	require.Equal(t, ActContinue, act)

	reports := sink.all()
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Texts, 1)
	assert.Equal(t, strings.Join(pieces, ""), strings.TrimRight(reports[0].Texts[0].Content, "\r\n"))
}

func TestUnknownCommandKeepsStreamSynchronized(t *testing.T) {
	_, addr, _ := startTestServer(t, 30)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writePacket(conn, OptNeg{Version: 6}.encode(), 0))
	_, err = readPacket(conn, 2*time.Second)
	require.NoError(t, err)

	// An unrecognized code with a valid length is consumed silently.
	unknown := &Message{Code: 'z', Data: []byte("mystery\x00payload")}
	require.NoError(t, writePacket(conn, unknown, 0))

	// The next valid frame still parses and gets its continue.
	info := ConnInfo{Hostname: "host", Family: FamilyInet, Port: 25, Addr: "192.0.2.9"}
	require.NoError(t, writePacket(conn, info.encode(), 0))
	resp, err := readPacket(conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(ActContinue), resp.Code)
}

func TestMacroFramesTakeNoResponse(t *testing.T) {
	_, addr, sink := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Macros(CodeMail, "i", "QUEUE1", "{mail_addr}", "sender@example.org"))

	// The session keeps answering commands normally afterwards.
	sendMessage(t, s, "after macros", "still here\r\n")
	require.Len(t, sink.all(), 1)
}

func TestIdleTimeoutClosesOnlyIdleSession(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out a real idle timeout")
	}

	_, addr, _ := startTestServer(t, 1)

	idle, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer idle.Close()
	require.NoError(t, writePacket(idle, OptNeg{Version: 6}.encode(), 0))
	_, err = readPacket(idle, 2*time.Second)
	require.NoError(t, err)

	c := NewClient("tcp", addr)
	busy, err := c.Session(0, 0)
	require.NoError(t, err)
	defer busy.Close()

	// Keep the second session active past the first one's idle window.
	for i := 0; i < 3; i++ {
		time.Sleep(500 * time.Millisecond)
		act, err := busy.Helo("still-alive")
		require.NoError(t, err)
		require.Equal(t, ActContinue, act)
	}

	// The idle session is gone.
	_, err = readPacket(idle, 2*time.Second)
	assert.ErrorIs(t, err, io.EOF)

	// The listener and the busy session are unaffected.
	act, err := busy.Helo("after-timeout")
	require.NoError(t, err)
	assert.Equal(t, ActContinue, act)
}

func TestShutdownStopsAcceptingAndDrains(t *testing.T) {
	srv, addr, _ := startTestServer(t, 30)

	c := NewClient("tcp", addr)
	s, err := c.Session(0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
