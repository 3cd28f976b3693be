// Package miltertap implements the server side of the milter mail filter
// protocol as a passive observation tap. It decodes the framed command
// stream an MTA sends about in-progress SMTP transactions, reassembles each
// message on end-of-body and reports its structure, but always answers with
// the permissive "continue" action so mail flow is never altered.
package miltertap

// Code identifies a milter command sent by the MTA.
type Code byte

const (
	CodeOptNeg Code = 'O' // SMFIC_OPTNEG
	CodeMacro  Code = 'D' // SMFIC_MACRO
	CodeConn   Code = 'C' // SMFIC_CONNECT
	CodeQuit   Code = 'Q' // SMFIC_QUIT
	CodeHelo   Code = 'H' // SMFIC_HELO
	CodeMail   Code = 'M' // SMFIC_MAIL
	CodeRcpt   Code = 'R' // SMFIC_RCPT
	CodeData   Code = 'T' // SMFIC_DATA
	CodeHeader Code = 'L' // SMFIC_HEADER
	CodeEOH    Code = 'N' // SMFIC_EOH
	CodeBody   Code = 'B' // SMFIC_BODY
	CodeEOB    Code = 'E' // SMFIC_BODYEOB
	CodeAbort  Code = 'A' // SMFIC_ABORT
)

// String returns the SMFIC_* name for known codes.
func (c Code) String() string {
	switch c {
	case CodeOptNeg:
		return "SMFIC_OPTNEG"
	case CodeMacro:
		return "SMFIC_MACRO"
	case CodeConn:
		return "SMFIC_CONNECT"
	case CodeQuit:
		return "SMFIC_QUIT"
	case CodeHelo:
		return "SMFIC_HELO"
	case CodeMail:
		return "SMFIC_MAIL"
	case CodeRcpt:
		return "SMFIC_RCPT"
	case CodeData:
		return "SMFIC_DATA"
	case CodeHeader:
		return "SMFIC_HEADER"
	case CodeEOH:
		return "SMFIC_EOH"
	case CodeBody:
		return "SMFIC_BODY"
	case CodeEOB:
		return "SMFIC_BODYEOB"
	case CodeAbort:
		return "SMFIC_ABORT"
	default:
		return "SMFIC_UNKNOWN"
	}
}

// ActionCode identifies a milter response sent back to the MTA.
type ActionCode byte

const (
	ActAccept   ActionCode = 'a' // SMFIR_ACCEPT
	ActContinue ActionCode = 'c' // SMFIR_CONTINUE
	ActDiscard  ActionCode = 'd' // SMFIR_DISCARD
	ActReject   ActionCode = 'r' // SMFIR_REJECT
	ActTempFail ActionCode = 't' // SMFIR_TEMPFAIL
	ActProgress ActionCode = 'p' // SMFIR_PROGRESS
	ActOptNeg   ActionCode = 'O' // SMFIR_OPTNEG
)

// OptAction is the bitmask of message-modification actions a filter may
// request during negotiation.
type OptAction uint32

const (
	OptAddHeader      OptAction = 0x01 // SMFIF_ADDHDRS
	OptChangeBody     OptAction = 0x02 // SMFIF_CHGBODY
	OptAddRcpt        OptAction = 0x04 // SMFIF_ADDRCPT
	OptRemoveRcpt     OptAction = 0x08 // SMFIF_DELRCPT
	OptQuarantine     OptAction = 0x10 // SMFIF_QUARANTINE
	OptChangeHeader   OptAction = 0x20 // SMFIF_CHGHDRS
	OptChangeSMTPCode OptAction = 0x40 // SMFIF_CHGREPLY
)

// OptProtocol is the bitmask of protocol steps a filter asks the MTA to
// skip during negotiation.
type OptProtocol uint32

const (
	OptNoConnect  OptProtocol = 0x01 // SMFIP_NOCONNECT
	OptNoHelo     OptProtocol = 0x02 // SMFIP_NOHELO
	OptNoMailFrom OptProtocol = 0x04 // SMFIP_NOMAIL
	OptNoRcptTo   OptProtocol = 0x08 // SMFIP_NORCPT
	OptNoBody     OptProtocol = 0x10 // SMFIP_NOBODY
	OptNoHeaders  OptProtocol = 0x20 // SMFIP_NOHDRS
	OptNoUnknown  OptProtocol = 0x40 // SMFIP_NOUNKNOWN
	OptNoData     OptProtocol = 0x80 // SMFIP_NODATA
)

// ProtoFamily is the address family byte in a connection-info payload.
type ProtoFamily byte

const (
	FamilyUnknown ProtoFamily = 'U' // SMFIA_UNKNOWN
	FamilyUnix    ProtoFamily = 'L' // SMFIA_UNIX
	FamilyInet    ProtoFamily = '4' // SMFIA_INET
	FamilyInet6   ProtoFamily = '6' // SMFIA_INET6
)

// protocolVersion is the highest milter dialect this server speaks. The
// negotiated version is the minimum of this and what the peer offers.
const protocolVersion = 6

// MaxBodyChunk is the largest body chunk an MTA sends in one frame.
const MaxBodyChunk = 65535

// serverActionMask is what the tap advertises during negotiation: it never
// requests any modification action.
const serverActionMask OptAction = 0

// serverRequiredSteps are the protocol steps the tap refuses to skip.
// Headers and body must flow for assembly to work, so these bits are always
// cleared from the negotiated skip set.
const serverRequiredSteps = OptNoBody | OptNoHeaders
