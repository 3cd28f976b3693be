package miltertap

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DecodeError reports a payload that does not match the fixed or
// NUL-terminated layout its command code requires. It is fatal to the
// connection it occurred on.
type DecodeError struct {
	Code   Code
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("miltertap: decode %v: %s", e.Code, e.Reason)
}

// Command is one decoded milter command. The set of implementations is
// closed: every known command code has a variant, and unrecognized codes
// decode to UnknownCommand so the stream stays synchronized.
type Command interface {
	// encode serializes the command back into its wire message. The frame
	// length prefix is computed at write time, never cached here.
	encode() *Message
}

// OptNeg is the negotiation handshake exchanged once at session start.
type OptNeg struct {
	Version  uint32
	Actions  OptAction
	Protocol OptProtocol
}

func (c OptNeg) encode() *Message {
	data := make([]byte, 12)
	binary.BigEndian.PutUint32(data[0:], c.Version)
	binary.BigEndian.PutUint32(data[4:], uint32(c.Actions))
	binary.BigEndian.PutUint32(data[8:], uint32(c.Protocol))
	return &Message{Code: byte(CodeOptNeg), Data: data}
}

// ConnInfo carries the SMTP client connection metadata.
type ConnInfo struct {
	Hostname string
	Family   ProtoFamily
	Port     uint16
	Addr     string
}

func (c ConnInfo) encode() *Message {
	data := appendCString(nil, c.Hostname)
	data = append(data, byte(c.Family))
	if c.Family != FamilyUnknown {
		if c.Family == FamilyInet || c.Family == FamilyInet6 {
			data = append(data, 0, 0)
			binary.BigEndian.PutUint16(data[len(data)-2:], c.Port)
		}
		data = appendCString(data, c.Addr)
	}
	return &Message{Code: byte(CodeConn), Data: data}
}

// Helo carries the HELO/EHLO hostname.
type Helo struct {
	Name string
}

func (c Helo) encode() *Message {
	return &Message{Code: byte(CodeHelo), Data: appendCString(nil, c.Name)}
}

// Macro is a single key/value pair of SMTP transaction context.
type Macro struct {
	Name  string
	Value string
}

// MacroDef is one macro-definition frame: the SMTP stage it applies to and
// the pairs it defines, in arrival order.
type MacroDef struct {
	Stage Code
	Pairs []Macro
}

func (c MacroDef) encode() *Message {
	data := []byte{byte(c.Stage)}
	for _, m := range c.Pairs {
		name := m.Name
		// Multi-character macro names travel in the {name} long form.
		if len(name) > 1 {
			name = "{" + name + "}"
		}
		data = appendCString(data, name)
		data = appendCString(data, m.Value)
	}
	return &Message{Code: byte(CodeMacro), Data: data}
}

// MailFrom is the envelope sender plus any ESMTP arguments.
type MailFrom struct {
	Addr string
	Args []string
}

func (c MailFrom) encode() *Message {
	data := appendCString(nil, "<"+c.Addr+">")
	for _, arg := range c.Args {
		data = appendCString(data, arg)
	}
	return &Message{Code: byte(CodeMail), Data: data}
}

// RcptTo is one envelope recipient plus any ESMTP arguments.
type RcptTo struct {
	Addr string
	Args []string
}

func (c RcptTo) encode() *Message {
	data := appendCString(nil, "<"+c.Addr+">")
	for _, arg := range c.Args {
		data = appendCString(data, arg)
	}
	return &Message{Code: byte(CodeRcpt), Data: data}
}

// DataStart marks the SMTP DATA command.
type DataStart struct{}

func (DataStart) encode() *Message { return &Message{Code: byte(CodeData)} }

// HeaderField is one message header line.
type HeaderField struct {
	Name  string
	Value string
}

func (c HeaderField) encode() *Message {
	data := appendCString(nil, c.Name)
	data = appendCString(data, c.Value)
	return &Message{Code: byte(CodeHeader), Data: data}
}

// HeaderEnd marks the end of the header block.
type HeaderEnd struct{}

func (HeaderEnd) encode() *Message { return &Message{Code: byte(CodeEOH)} }

// BodyChunk is one raw slice of the message body. Chunks are arbitrarily
// sized and a message may span any number of them.
type BodyChunk struct {
	Data []byte
}

func (c BodyChunk) encode() *Message { return &Message{Code: byte(CodeBody), Data: c.Data} }

// EndOfBody marks the end of the message body and triggers assembly.
type EndOfBody struct{}

func (EndOfBody) encode() *Message { return &Message{Code: byte(CodeEOB)} }

// AbortMessage discards the in-progress message without analysis.
type AbortMessage struct{}

func (AbortMessage) encode() *Message { return &Message{Code: byte(CodeAbort)} }

// QuitSession closes the connection.
type QuitSession struct{}

func (QuitSession) encode() *Message { return &Message{Code: byte(CodeQuit)} }

// UnknownCommand preserves a frame with an unrecognized code. It is kept for
// diagnostics only; receiving one is not an error.
type UnknownCommand struct {
	Code byte
	Data []byte
}

func (c UnknownCommand) encode() *Message { return &Message{Code: c.Code, Data: c.Data} }

// decodeCommand turns one frame into its typed command. Unrecognized codes
// are not an error: the frame was already consumed using its declared
// length, so the stream stays synchronized and the caller just logs it.
func decodeCommand(msg *Message) (Command, error) {
	switch Code(msg.Code) {
	case CodeOptNeg:
		if len(msg.Data) < 12 {
			return nil, &DecodeError{Code: CodeOptNeg, Reason: fmt.Sprintf("payload %d bytes, want at least 12", len(msg.Data))}
		}
		return OptNeg{
			Version:  binary.BigEndian.Uint32(msg.Data[0:]),
			Actions:  OptAction(binary.BigEndian.Uint32(msg.Data[4:])),
			Protocol: OptProtocol(binary.BigEndian.Uint32(msg.Data[8:])),
		}, nil

	case CodeConn:
		return decodeConnInfo(msg.Data)

	case CodeHelo:
		return Helo{Name: strings.TrimSuffix(string(msg.Data), null)}, nil

	case CodeMacro:
		if len(msg.Data) == 0 {
			return nil, &DecodeError{Code: CodeMacro, Reason: "missing stage byte"}
		}
		def := MacroDef{Stage: Code(msg.Data[0])}
		kv := decodeCStrings(msg.Data[1:])
		// An odd trailing name means an empty value was collapsed by the
		// NUL split.
		if len(kv)%2 == 1 {
			kv = append(kv, "")
		}
		for i := 0; i+1 < len(kv); i += 2 {
			def.Pairs = append(def.Pairs, Macro{Name: unwrapMacroName(kv[i]), Value: kv[i+1]})
		}
		return def, nil

	case CodeMail:
		args := decodeCStrings(msg.Data)
		if len(args) == 0 {
			return nil, &DecodeError{Code: CodeMail, Reason: "missing sender address"}
		}
		cmd := MailFrom{Addr: strings.Trim(args[0], "<>")}
		if len(args) > 1 {
			cmd.Args = args[1:]
		}
		return cmd, nil

	case CodeRcpt:
		args := decodeCStrings(msg.Data)
		if len(args) == 0 {
			return nil, &DecodeError{Code: CodeRcpt, Reason: "missing recipient address"}
		}
		cmd := RcptTo{Addr: strings.Trim(args[0], "<>")}
		if len(args) > 1 {
			cmd.Args = args[1:]
		}
		return cmd, nil

	case CodeData:
		return DataStart{}, nil

	case CodeHeader:
		kv := decodeCStrings(msg.Data)
		// A header with an empty value arrives as `name\x00\x00` and the
		// NUL split drops the empty value.
		if len(kv) == 1 {
			kv = append(kv, "")
		}
		if len(kv) != 2 {
			return nil, &DecodeError{Code: CodeHeader, Reason: fmt.Sprintf("%d fields, want name and value", len(kv))}
		}
		return HeaderField{Name: kv[0], Value: kv[1]}, nil

	case CodeEOH:
		return HeaderEnd{}, nil

	case CodeBody:
		return BodyChunk{Data: msg.Data}, nil

	case CodeEOB:
		return EndOfBody{}, nil

	case CodeAbort:
		return AbortMessage{}, nil

	case CodeQuit:
		return QuitSession{}, nil

	default:
		return UnknownCommand{Code: msg.Code, Data: msg.Data}, nil
	}
}

func decodeConnInfo(data []byte) (Command, error) {
	hostname := readCString(data)
	rest := data[min(len(hostname)+1, len(data)):]
	if len(rest) == 0 {
		return nil, &DecodeError{Code: CodeConn, Reason: "missing address family"}
	}
	info := ConnInfo{Hostname: hostname, Family: ProtoFamily(rest[0])}
	rest = rest[1:]

	switch info.Family {
	case FamilyUnknown:
		return info, nil
	case FamilyInet, FamilyInet6:
		if len(rest) < 2 {
			return nil, &DecodeError{Code: CodeConn, Reason: "missing port"}
		}
		info.Port = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	case FamilyUnix:
		// no port
	default:
		return nil, &DecodeError{Code: CodeConn, Reason: fmt.Sprintf("unknown address family %q", byte(info.Family))}
	}

	info.Addr = readCString(rest)
	return info, nil
}

// unwrapMacroName strips the {braces} from long-form macro names; single
// character names pass through untouched.
func unwrapMacroName(name string) string {
	if strings.HasPrefix(name, "{") && strings.HasSuffix(name, "}") {
		return name[1 : len(name)-1]
	}
	return name
}
