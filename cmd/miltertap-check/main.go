// miltertap-check replays a message from stdin against a running tap and
// prints the action returned for every protocol step. Useful for checking a
// deployment end to end without involving an MTA.
package main

import (
	"bufio"
	"flag"
	"io"
	"log"
	"os"

	"github.com/emersion/go-message/textproto"

	"github.com/tapmail/miltertap"
)

func printAction(prefix string, act miltertap.ActionCode) {
	switch act {
	case miltertap.ActAccept:
		log.Println(prefix, "accept")
	case miltertap.ActContinue:
		log.Println(prefix, "continue")
	case miltertap.ActReject:
		log.Println(prefix, "reject")
	case miltertap.ActDiscard:
		log.Println(prefix, "discard")
	case miltertap.ActTempFail:
		log.Println(prefix, "temp. fail")
	default:
		log.Printf("%s unexpected action %c", prefix, act)
	}
}

func main() {
	address := flag.String("address", "127.0.0.1:8898", "Address of the running tap")
	hostname := flag.String("hostname", "localhost", "Value to send in CONNECT message")
	port := flag.Uint("port", 2525, "Port to send in CONNECT message")
	connAddr := flag.String("conn-addr", "127.0.0.1", "Connection address to send in CONNECT message")
	helo := flag.String("helo", "localhost", "Value to send in HELO message")
	mailFrom := flag.String("from", "sender@example.org", "Value to send in MAIL message")
	rcptTo := flag.String("rcpt", "rcpt@example.com", "Value to send in RCPT message")
	flag.Parse()

	c := miltertap.NewClient("tcp", *address)
	s, err := c.Session(0, 0)
	if err != nil {
		log.Fatalln(err)
	}
	defer s.Close()

	act, err := s.Conn(*hostname, miltertap.FamilyInet, uint16(*port), *connAddr)
	if err != nil {
		log.Fatalln(err)
	}
	printAction("CONNECT:", act)

	act, err = s.Helo(*helo)
	if err != nil {
		log.Fatalln(err)
	}
	printAction("HELO:", act)

	act, err = s.Mail(*mailFrom, nil)
	if err != nil {
		log.Fatalln(err)
	}
	printAction("MAIL:", act)

	act, err = s.Rcpt(*rcptTo, nil)
	if err != nil {
		log.Fatalln(err)
	}
	printAction("RCPT:", act)

	bufR := bufio.NewReader(os.Stdin)
	hdr, err := textproto.ReadHeader(bufR)
	if err != nil {
		log.Fatalln("header parse:", err)
	}

	for f := hdr.Fields(); f.Next(); {
		act, err = s.HeaderField(f.Key(), f.Value())
		if err != nil {
			log.Fatalln(err)
		}
		printAction("HEADER:", act)
	}

	act, err = s.HeaderEnd()
	if err != nil {
		log.Fatalln(err)
	}
	printAction("EOH:", act)

	buf := make([]byte, miltertap.MaxBodyChunk)
	for {
		n, err := bufR.Read(buf)
		if err != nil {
			if err == io.EOF {
				break
			}
			log.Fatalln("stdin error:", err)
		}
		if n == 0 {
			break
		}

		act, err = s.BodyChunk(buf[:n])
		if err != nil {
			log.Fatalln(err)
		}
		printAction("BODY:", act)
	}

	act, err = s.End()
	if err != nil {
		log.Fatalln(err)
	}
	printAction("EOB:", act)
}
