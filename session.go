package miltertap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// OrderError reports a command that is invalid in the session's current
// protocol state. It is fatal to the connection it occurred on.
type OrderError struct {
	State string
	Code  Code
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("miltertap: %v not valid in state %s", e.Code, e.State)
}

// errQuit signals an orderly close requested by the peer.
var errQuit = errors.New("quit requested")

type sessionState int

const (
	// stateNegotiating: nothing but OPTNEG is acceptable.
	stateNegotiating sessionState = iota
	// stateConnected: connection metadata recorded, ready for an envelope.
	stateConnected
	// stateInMessage: accumulating one message's macros, headers and body.
	stateInMessage
)

func (s sessionState) String() string {
	switch s {
	case stateNegotiating:
		return "negotiating"
	case stateConnected:
		return "connected"
	case stateInMessage:
		return "in-message"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session holds one connection's protocol state. It is created on accept,
// owned and mutated by exactly one goroutine, and discarded when the socket
// closes.
type session struct {
	srv         *Server
	conn        net.Conn
	log         *zap.Logger
	idleTimeout time.Duration

	state    sessionState
	actions  OptAction
	protocol OptProtocol

	connInfo *ConnInfo
	helo     string

	// Per-message accumulation; cleared after every end-of-body or abort.
	macros       map[string]string
	headers      []HeaderField
	body         bytes.Buffer
	envelopeFrom string
	envelopeTo   []string
}

// run reads frames until the peer quits, an error closes the connection, or
// the server shuts down. Every failure here is local to this connection.
func (s *session) run() {
	defer s.conn.Close()

	for {
		if s.srv.closing() {
			s.log.Info("closing session for shutdown")
			return
		}

		msg, err := readPacket(s.conn, s.idleTimeout)
		if err != nil {
			s.logReadError(err)
			return
		}

		cmd, err := decodeCommand(msg)
		if err != nil {
			sessionErrors.WithLabelValues("decode").Inc()
			s.log.Error("undecodable payload", zap.Error(err))
			return
		}

		resp, err := s.handle(cmd)
		if err != nil {
			if errors.Is(err, errQuit) {
				s.log.Debug("peer quit")
				return
			}
			sessionErrors.WithLabelValues("order").Inc()
			s.log.Error("protocol ordering violation", zap.Error(err))
			return
		}

		if resp != nil {
			if err := writePacket(s.conn, resp, s.idleTimeout); err != nil {
				sessionErrors.WithLabelValues("io").Inc()
				s.log.Error("response write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *session) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("peer disconnected")
	case errors.As(err, &netErr) && netErr.Timeout():
		sessionErrors.WithLabelValues("timeout").Inc()
		s.log.Warn("idle timeout", zap.Duration("timeout", s.idleTimeout))
	default:
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			sessionErrors.WithLabelValues("frame").Inc()
		} else {
			sessionErrors.WithLabelValues("io").Inc()
		}
		s.log.Error("read failed", zap.Error(err))
	}
}

// handle is the transition function: it takes the decoded command, mutates
// session state, and returns the response frame to send (nil when the
// command takes no reply). The tap's one policy invariant lives here: no
// path ever emits anything but continue.
func (s *session) handle(cmd Command) (*Message, error) {
	// Negotiation must come first and exactly once.
	if _, ok := cmd.(OptNeg); !ok && s.state == stateNegotiating {
		return nil, &OrderError{State: s.state.String(), Code: Code(cmd.encode().Code)}
	}

	switch cmd := cmd.(type) {
	case OptNeg:
		if s.state != stateNegotiating {
			return nil, &OrderError{State: s.state.String(), Code: CodeOptNeg}
		}
		reply := s.negotiate(cmd)
		s.state = stateConnected
		return reply.encode(), nil

	case ConnInfo:
		s.connInfo = &cmd
		s.log.Info("smtp client connected",
			zap.String("hostname", cmd.Hostname),
			zap.String("addr", cmd.Addr),
			zap.Uint16("port", cmd.Port))
		return respContinue(), nil

	case Helo:
		s.helo = cmd.Name
		s.log.Info("helo", zap.String("name", cmd.Name))
		return respContinue(), nil

	case MacroDef:
		// Last write wins across frames; the whole mapping is dropped when
		// the message completes or aborts.
		if s.macros == nil {
			s.macros = make(map[string]string)
		}
		for _, m := range cmd.Pairs {
			s.macros[m.Name] = m.Value
			s.log.Debug("macro",
				zap.String("stage", cmd.Stage.String()),
				zap.String("name", m.Name),
				zap.String("value", m.Value))
		}
		return nil, nil

	case MailFrom:
		s.state = stateInMessage
		s.envelopeFrom = cmd.Addr
		s.log.Debug("mail from", zap.String("addr", cmd.Addr))
		return respContinue(), nil

	case RcptTo:
		s.state = stateInMessage
		s.envelopeTo = append(s.envelopeTo, cmd.Addr)
		s.log.Debug("rcpt to", zap.String("addr", cmd.Addr))
		return respContinue(), nil

	case DataStart:
		s.state = stateInMessage
		return respContinue(), nil

	case HeaderField:
		s.state = stateInMessage
		s.headers = append(s.headers, cmd)
		return respContinue(), nil

	case HeaderEnd:
		return respContinue(), nil

	case BodyChunk:
		// Chunks are arbitrarily sized; a message may span any number of
		// them, so always append.
		s.state = stateInMessage
		s.body.Write(cmd.Data)
		return respContinue(), nil

	case EndOfBody:
		if s.state != stateInMessage {
			// Stray end-of-body with nothing accumulated: acknowledge it,
			// report nothing.
			s.log.Debug("end-of-body with no message in progress")
			return respContinue(), nil
		}
		s.finishMessage()
		s.resetMessage()
		s.state = stateConnected
		return respContinue(), nil

	case AbortMessage:
		s.log.Debug("message aborted by peer")
		s.resetMessage()
		if s.state == stateInMessage {
			s.state = stateConnected
		}
		return nil, nil

	case QuitSession:
		return nil, errQuit

	case UnknownCommand:
		// Fully consumed already, so the stream stays in sync. Surface it
		// for diagnostics and keep going.
		unknownCommands.Inc()
		s.log.Warn("unknown command",
			zap.String("code", fmt.Sprintf("0x%02X", cmd.Code)),
			zap.String("payload", escapeNUL(cmd.Data)))
		return nil, nil

	default:
		return nil, &OrderError{State: s.state.String(), Code: Code(cmd.encode().Code)}
	}
}

// negotiate computes the tap's side of the handshake: lowest common
// version, the intersection of the peer's offered actions with what the tap
// requests (nothing), and the peer's skip set minus the steps the tap
// cannot live without.
func (s *session) negotiate(peer OptNeg) OptNeg {
	version := uint32(protocolVersion)
	if peer.Version < version {
		version = peer.Version
	}
	s.actions = peer.Actions & serverActionMask
	s.protocol = peer.Protocol &^ serverRequiredSteps

	s.log.Info("negotiated",
		zap.Uint32("version", version),
		zap.String("peer_actions", fmt.Sprintf("0x%08X", uint32(peer.Actions))),
		zap.String("peer_protocol", fmt.Sprintf("0x%08X", uint32(peer.Protocol))),
		zap.String("protocol", fmt.Sprintf("0x%08X", uint32(s.protocol))))

	return OptNeg{Version: version, Actions: s.actions, Protocol: s.protocol}
}

// finishMessage freezes the accumulated headers and body, assembles the raw
// message, runs it through the MIME collaborator and hands the report to
// the server.
func (s *session) finishMessage() {
	raw := assembleRaw(s.headers, s.body.Bytes())
	report := analyzeMessage(raw)
	if s.connInfo != nil {
		report.ClientHostname = s.connInfo.Hostname
		report.ClientAddr = s.connInfo.Addr
	}
	report.Helo = s.helo
	report.EnvelopeFrom = s.envelopeFrom
	report.EnvelopeTo = append([]string(nil), s.envelopeTo...)
	s.srv.report(s, report)
}

// resetMessage clears all per-message state so the next SMTP transaction on
// this connection starts clean.
func (s *session) resetMessage() {
	s.macros = nil
	s.headers = nil
	s.body.Reset()
	s.envelopeFrom = ""
	s.envelopeTo = nil
}

func respContinue() *Message {
	return &Message{Code: byte(ActContinue)}
}
