package miltertap

import (
	"fmt"
	"net"
)

// Client dials milter servers. It exists for the check tool and for
// exercising a tap end to end in tests.
type Client struct {
	// Dialer is used to establish new connections to the milter.
	// Set to empty net.Dialer{} by NewClient.
	Dialer interface {
		Dial(network string, addr string) (net.Conn, error)
	}

	network string
	address string
}

// NewClient creates a client for the milter listening on network/address.
func NewClient(network, address string) *Client {
	return &Client{
		Dialer:  &net.Dialer{},
		network: network,
		address: address,
	}
}

// Session opens a connection and negotiates. actionMask and protoMask are
// what the MTA side offers; the negotiated values are the server's reply.
func (c *Client) Session(actionMask OptAction, protoMask OptProtocol) (*ClientSession, error) {
	conn, err := c.Dialer.Dial(c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("miltertap: session create: %w", err)
	}

	s := &ClientSession{conn: conn}
	if err := s.negotiate(actionMask, protoMask); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// ClientSession is one open milter connection driven from the MTA side.
type ClientSession struct {
	conn       net.Conn
	actionMask OptAction
	protoMask  OptProtocol
}

// negotiate exchanges OPTNEG messages and records the server's reply.
func (s *ClientSession) negotiate(actionMask OptAction, protoMask OptProtocol) error {
	offer := OptNeg{Version: protocolVersion, Actions: actionMask, Protocol: protoMask}
	if err := writePacket(s.conn, offer.encode(), 0); err != nil {
		return fmt.Errorf("miltertap: negotiate: optneg write: %w", err)
	}

	msg, err := readPacket(s.conn, 0)
	if err != nil {
		return fmt.Errorf("miltertap: negotiate: optneg read: %w", err)
	}
	if ActionCode(msg.Code) != ActOptNeg {
		return fmt.Errorf("miltertap: negotiate: unexpected code: %v", rune(msg.Code))
	}
	reply, err := decodeCommand(&Message{Code: byte(CodeOptNeg), Data: msg.Data})
	if err != nil {
		return fmt.Errorf("miltertap: negotiate: %w", err)
	}
	neg := reply.(OptNeg)
	if neg.Version > protocolVersion {
		return fmt.Errorf("miltertap: negotiate: unsupported protocol version: %v", neg.Version)
	}

	s.actionMask = neg.Actions
	s.protoMask = neg.Protocol
	return nil
}

// NegotiatedActions returns the action mask the server replied with.
func (s *ClientSession) NegotiatedActions() OptAction { return s.actionMask }

// NegotiatedProtocol returns the skip mask the server replied with.
func (s *ClientSession) NegotiatedProtocol() OptProtocol { return s.protoMask }

// Macros sends a macro-definition frame for the given stage. Macro frames
// take no response.
func (s *ClientSession) Macros(stage Code, kv ...string) error {
	def := MacroDef{Stage: stage}
	for i := 0; i+1 < len(kv); i += 2 {
		def.Pairs = append(def.Pairs, Macro{Name: kv[i], Value: kv[i+1]})
	}
	if err := writePacket(s.conn, def.encode(), 0); err != nil {
		return fmt.Errorf("miltertap: macros: %w", err)
	}
	return nil
}

func (s *ClientSession) roundTrip(what string, cmd Command) (ActionCode, error) {
	if err := writePacket(s.conn, cmd.encode(), 0); err != nil {
		return 0, fmt.Errorf("miltertap: %s: %w", what, err)
	}
	return s.readAction(what)
}

func (s *ClientSession) readAction(what string) (ActionCode, error) {
	for {
		msg, err := readPacket(s.conn, 0)
		if err != nil {
			return 0, fmt.Errorf("miltertap: %s: action read: %w", what, err)
		}
		if ActionCode(msg.Code) == ActProgress {
			continue
		}
		return ActionCode(msg.Code), nil
	}
}

// Conn sends the SMTP connection information.
func (s *ClientSession) Conn(hostname string, family ProtoFamily, port uint16, addr string) (ActionCode, error) {
	return s.roundTrip("conn", ConnInfo{Hostname: hostname, Family: family, Port: port, Addr: addr})
}

// Helo sends the HELO hostname.
func (s *ClientSession) Helo(helo string) (ActionCode, error) {
	return s.roundTrip("helo", Helo{Name: helo})
}

// Mail sends the envelope sender.
func (s *ClientSession) Mail(sender string, esmtpArgs []string) (ActionCode, error) {
	return s.roundTrip("mail", MailFrom{Addr: sender, Args: esmtpArgs})
}

// Rcpt sends one envelope recipient.
func (s *ClientSession) Rcpt(rcpt string, esmtpArgs []string) (ActionCode, error) {
	return s.roundTrip("rcpt", RcptTo{Addr: rcpt, Args: esmtpArgs})
}

// Data sends the DATA marker.
func (s *ClientSession) Data() (ActionCode, error) {
	return s.roundTrip("data", DataStart{})
}

// HeaderField sends a single header field. HeaderEnd must be called after
// the last field.
func (s *ClientSession) HeaderField(key, value string) (ActionCode, error) {
	return s.roundTrip("header field", HeaderField{Name: key, Value: value})
}

// HeaderEnd sends the end-of-header marker.
func (s *ClientSession) HeaderEnd() (ActionCode, error) {
	return s.roundTrip("header end", HeaderEnd{})
}

// BodyChunk sends a single body chunk. The caller keeps chunks within
// MaxBodyChunk.
func (s *ClientSession) BodyChunk(chunk []byte) (ActionCode, error) {
	if len(chunk) > MaxBodyChunk {
		return 0, fmt.Errorf("miltertap: body chunk: too big body chunk: %v", len(chunk))
	}
	return s.roundTrip("body chunk", BodyChunk{Data: chunk})
}

// End sends the end-of-body marker, completing one message. The same
// session can carry further messages before Close.
func (s *ClientSession) End() (ActionCode, error) {
	return s.roundTrip("end", EndOfBody{})
}

// Abort discards the in-progress message. Abort frames take no response.
func (s *ClientSession) Abort() error {
	if err := writePacket(s.conn, AbortMessage{}.encode(), 0); err != nil {
		return fmt.Errorf("miltertap: abort: %w", err)
	}
	return nil
}

// Close sends quit and releases the connection.
func (s *ClientSession) Close() error {
	if err := writePacket(s.conn, QuitSession{}.encode(), 0); err != nil {
		s.conn.Close()
		return fmt.Errorf("miltertap: close: %w", err)
	}
	return s.conn.Close()
}
