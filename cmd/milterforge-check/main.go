// Command milterforge-check drives a running milter over the wire like an
// MTA would, for manual testing of a server built with this package: it
// negotiates options, sends one SMTP transaction worth of commands read
// from stdin as a MIME message, and logs every reply.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/halcyonmta/milterforge"
)

func main() {
	network := flag.String("network", "tcp", "network to dial: tcp or unix")
	address := flag.String("address", "127.0.0.1:8899", "address to dial")
	hostname := flag.String("hostname", "localhost", "value to send in the Connect command")
	connAddr := flag.String("conn-addr", "127.0.0.1", "address literal to send in the Connect command")
	port := flag.Uint("port", 2525, "port to send in the Connect command")
	helo := flag.String("helo", "localhost", "value to send in the Helo command")
	mailFrom := flag.String("from", "sender@example.org", "value to send in the MailFrom command")
	rcptTo := flag.String("rcpt", "recipient@example.com", "comma-separated list of RcptTo values")
	actions := flag.Uint("actions", uint(milter.OptActionAll), "bitmask of OptAction flags to offer")
	flag.Parse()

	conn, err := net.Dial(*network, *address)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	c := &client{conn: conn, r: bufio.NewReader(conn)}

	if !c.negotiate(milter.OptAction(*actions)) {
		return
	}
	if !c.connectCmd(*hostname, *connAddr, uint16(*port)) {
		return
	}
	if !c.simple(milter.CodeHelo, cstring(*helo)) {
		return
	}
	if !c.simple(milter.CodeMailFrom, cstring(*mailFrom)) {
		return
	}
	for _, rcpt := range strings.Split(*rcptTo, ",") {
		if !c.simple(milter.CodeRcptTo, cstring(rcpt)) {
			return
		}
	}

	hdr, body, err := readMessage(os.Stdin)
	if err != nil {
		log.Fatal("reading message from stdin: ", err)
	}
	if !c.simple(milter.CodeData, nil) {
		return
	}
	for f := hdr.Fields(); f.Next(); {
		if !c.simple(milter.CodeHeader, append(cstring(f.Key()), cstring(f.Value())...)) {
			return
		}
	}
	if !c.simple(milter.CodeEndOfHeader, nil) {
		return
	}
	const chunkSize = 65535
	for len(body) > 0 {
		n := chunkSize
		if n > len(body) {
			n = len(body)
		}
		if !c.simple(milter.CodeBody, body[:n]) {
			return
		}
		body = body[n:]
	}

	c.endOfMessage()
	c.quit()
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *client) negotiate(actions milter.OptAction) bool {
	body := make([]byte, 0, 12)
	body = appendUint32(body, 6)
	body = appendUint32(body, uint32(actions))
	body = appendUint32(body, uint32(milter.OptActionAll))
	c.write(milter.CodeOptNeg, body)
	return c.readReply("OPTNEG")
}

func (c *client) connectCmd(hostname, addr string, port uint16) bool {
	body := cstring(hostname)
	body = append(body, byte(milter.FamilyInet))
	body = appendUint16(body, port)
	body = append(body, cstring(addr)...)
	c.write(milter.CodeConnect, body)
	return c.readReply("CONNECT")
}

func (c *client) simple(code milter.Code, body []byte) bool {
	c.write(code, body)
	return c.readReply(string(byte(code)))
}

func (c *client) endOfMessage() {
	c.write(milter.CodeEndOfBody, nil)
	for {
		code, body, err := c.readPacket()
		if err != nil {
			log.Println("read:", err)
			return
		}
		log.Printf("EOM reply: %c %q", code, body)
		switch milter.ActionCode(code) {
		case milter.ActAccept, milter.ActReject, milter.ActTempFail, milter.ActDiscard, milter.ActReplyCode, milter.ActContinue:
			return
		}
	}
}

func (c *client) quit() {
	c.write(milter.CodeQuit, nil)
}

func (c *client) write(code milter.Code, body []byte) {
	length := uint32(len(body) + 1)
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], length)
	hdr[4] = byte(code)
	if _, err := c.conn.Write(hdr[:]); err != nil {
		log.Fatal("write: ", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		log.Fatal("write: ", err)
	}
}

func (c *client) readPacket() (byte, []byte, error) {
	var length uint32
	if err := binary.Read(c.r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return 0, nil, err
	}
	return data[0], data[1:], nil
}

func (c *client) readReply(label string) bool {
	code, body, err := c.readPacket()
	if err != nil {
		log.Println("read:", err)
		return false
	}
	log.Printf("%s reply: %c %q", label, code, body)
	return milter.ActionCode(code) == milter.ActContinue
}

func cstring(s string) []byte { return append([]byte(s), 0) }

func appendUint32(dest []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dest, buf[:]...)
}

func appendUint16(dest []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(dest, buf[:]...)
}

func readMessage(r io.Reader) (textproto.Header, []byte, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, body, nil
}
