package miltertap

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// TextPart is one recognized leaf text part of an analyzed message.
type TextPart struct {
	Subtype string // "plain" or "html"
	Content string
}

// PartInfo describes one non-text leaf part (attachment, inline image, ...).
type PartInfo struct {
	ContentType string
	Encoding    string
	Filename    string
	Size        int
}

// Report is the structured analysis of one completed message. Multipart
// container parts are never enumerated here; only leaves appear.
type Report struct {
	// Connection context the MTA reported before the message.
	ClientHostname string
	ClientAddr     string
	Helo           string

	EnvelopeFrom string
	EnvelopeTo   []string

	From        string
	To          string
	Subject     string
	ContentType string

	Texts []TextPart
	Parts []PartInfo

	// Notes records per-part decode problems. A note never suppresses the
	// rest of the report.
	Notes []string
}

// assembleRaw concatenates the accumulated header lines, a blank line and
// the raw body into one RFC 5322 buffer. Headers keep their arrival order;
// body line endings are normalized to CRLF because MTAs hand the milter
// bare-LF body chunks.
func assembleRaw(headers []HeaderField, body []byte) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	normalized := bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	normalized = bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
	buf.Write(normalized)
	return buf.Bytes()
}

// analyzeMessage runs the assembled buffer through the MIME parser and
// flattens the result into a Report. It never fails: parse problems become
// notes so one bad part cannot suppress the rest of the message.
func analyzeMessage(raw []byte) *Report {
	r := &Report{}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if mr == nil {
			r.Notes = append(r.Notes, "message parse: "+err.Error())
			return r
		}
		// Unknown charsets still yield a usable reader.
		r.Notes = append(r.Notes, "message header: "+err.Error())
	}

	r.From = formatAddresses(mr.Header, "From")
	r.To = formatAddresses(mr.Header, "To")
	r.Subject, _ = mr.Header.Subject()
	// The declared value, verbatim, not the canonicalized media type.
	r.ContentType = mr.Header.Get("Content-Type")

	for i := 1; ; i++ {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if p == nil || !message.IsUnknownCharset(err) {
				r.Notes = append(r.Notes, fmt.Sprintf("part %d: %v", i, err))
				if p == nil {
					break
				}
				continue
			}
			r.Notes = append(r.Notes, fmt.Sprintf("part %d charset: %v", i, err))
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch {
			case ct == "text/plain" || ct == "text/html":
				content, err := io.ReadAll(p.Body)
				if err != nil {
					r.Notes = append(r.Notes, fmt.Sprintf("part %d body: %v", i, err))
					continue
				}
				r.Texts = append(r.Texts, TextPart{
					Subtype: strings.TrimPrefix(ct, "text/"),
					Content: string(content),
				})
			case strings.HasPrefix(ct, "text/"):
				// Unrecognized text subtype (text/calendar and friends):
				// neither a body nor an attachment.
			default:
				r.Parts = append(r.Parts, partInfo(h.Header, "", p.Body, &r.Notes, i))
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			r.Parts = append(r.Parts, partInfo(h.Header, filename, p.Body, &r.Notes, i))
		}
	}

	return r
}

func partInfo(h message.Header, filename string, body io.Reader, notes *[]string, idx int) PartInfo {
	info := PartInfo{
		ContentType: h.Get("Content-Type"),
		Encoding:    h.Get("Content-Transfer-Encoding"),
		Filename:    filename,
	}
	data, err := io.ReadAll(body)
	if err != nil {
		*notes = append(*notes, fmt.Sprintf("part %d body: %v", idx, err))
	}
	info.Size = len(data)
	return info
}

func formatAddresses(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		// Fall back to the raw field so a malformed list is still visible.
		return h.Get(key)
	}
	formatted := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			formatted = append(formatted, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			formatted = append(formatted, a.Address)
		}
	}
	return strings.Join(formatted, ", ")
}
