package miltertap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	commands := []Command{
		OptNeg{Version: 6, Actions: OptAddHeader | OptQuarantine, Protocol: OptNoHelo},
		ConnInfo{Hostname: "mail.example.org", Family: FamilyInet, Port: 2525, Addr: "192.0.2.1"},
		ConnInfo{Hostname: "mail6.example.org", Family: FamilyInet6, Port: 25, Addr: "2001:db8::1"},
		ConnInfo{Hostname: "local", Family: FamilyUnix, Addr: "/var/run/smtp.sock"},
		ConnInfo{Hostname: "mystery", Family: FamilyUnknown},
		Helo{Name: "client.example.org"},
		MacroDef{Stage: CodeMail, Pairs: []Macro{
			{Name: "i", Value: "ABC123"},
			{Name: "mail_addr", Value: "sender@example.org"},
		}},
		MailFrom{Addr: "sender@example.org"},
		MailFrom{Addr: "sender@example.org", Args: []string{"SIZE=1024"}},
		RcptTo{Addr: "rcpt@example.com"},
		RcptTo{Addr: "rcpt@example.com", Args: []string{"NOTIFY=NEVER"}},
		DataStart{},
		HeaderField{Name: "Subject", Value: "round trip"},
		HeaderField{Name: "X-Empty", Value: ""},
		HeaderEnd{},
		BodyChunk{Data: []byte("some body bytes\r\n")},
		EndOfBody{},
		AbortMessage{},
		QuitSession{},
		UnknownCommand{Code: 'Z', Data: []byte{0xDE, 0xAD}},
	}

	for _, cmd := range commands {
		msg := cmd.encode()
		decoded, err := decodeCommand(msg)
		require.NoError(t, err, "decode %T", cmd)
		assert.Equal(t, cmd, decoded, "round trip %T", cmd)
	}
}

func TestDecodeOptNegTooShort(t *testing.T) {
	_, err := decodeCommand(&Message{Code: byte(CodeOptNeg), Data: make([]byte, 11)})
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, CodeOptNeg, decErr.Code)
}

func TestDecodeConnInfoTruncated(t *testing.T) {
	cases := map[string][]byte{
		"missing family": []byte("host\x00"),
		"missing port":   append(appendCString(nil, "host"), byte(FamilyInet), 0x12),
	}
	for name, data := range cases {
		_, err := decodeCommand(&Message{Code: byte(CodeConn), Data: data})
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr, name)
		assert.Equal(t, CodeConn, decErr.Code, name)
	}
}

func TestDecodeHeaderWrongFieldCount(t *testing.T) {
	_, err := decodeCommand(&Message{Code: byte(CodeHeader), Data: []byte("a\x00b\x00c\x00")})
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeHeaderEmptyValue(t *testing.T) {
	// Headers with an empty value arrive as `name\x00\x00`.
	cmd, err := decodeCommand(&Message{Code: byte(CodeHeader), Data: []byte("X-Empty\x00\x00")})
	require.NoError(t, err)
	assert.Equal(t, HeaderField{Name: "X-Empty", Value: ""}, cmd)
}

func TestDecodeMacroMissingStage(t *testing.T) {
	_, err := decodeCommand(&Message{Code: byte(CodeMacro), Data: nil})
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeMacroOddPairs(t *testing.T) {
	// A trailing name with an empty value must not be dropped.
	cmd, err := decodeCommand(&Message{Code: byte(CodeMacro), Data: []byte("Mi\x00")})
	require.NoError(t, err)
	def := cmd.(MacroDef)
	assert.Equal(t, CodeMail, def.Stage)
	require.Len(t, def.Pairs, 1)
	assert.Equal(t, Macro{Name: "i", Value: ""}, def.Pairs[0])
}

func TestDecodeMailMissingAddress(t *testing.T) {
	_, err := decodeCommand(&Message{Code: byte(CodeMail), Data: nil})
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeMailStripsBrackets(t *testing.T) {
	cmd, err := decodeCommand(&Message{Code: byte(CodeMail), Data: []byte("<sender@example.org>\x00")})
	require.NoError(t, err)
	assert.Equal(t, MailFrom{Addr: "sender@example.org"}, cmd)
}

func TestDecodeUnknownCode(t *testing.T) {
	cmd, err := decodeCommand(&Message{Code: 'z', Data: []byte("whatever")})
	require.NoError(t, err)
	unknown := cmd.(UnknownCommand)
	assert.Equal(t, byte('z'), unknown.Code)
	assert.Equal(t, []byte("whatever"), unknown.Data)
}

func TestUnwrapMacroName(t *testing.T) {
	assert.Equal(t, "mail_addr", unwrapMacroName("{mail_addr}"))
	assert.Equal(t, "i", unwrapMacroName("i"))
	assert.Equal(t, "{broken", unwrapMacroName("{broken"))
}
