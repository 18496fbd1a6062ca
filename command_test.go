package milter

import (
	"errors"
	"testing"
)

func TestDecodeConnectParsesInetLiteral(t *testing.T) {
	body := append([]byte("mail.example.org\x00"), byte(FamilyInet))
	body = appendUint16(body, 2525)
	body = append(body, "203.0.113.5\x00"...)

	cmd, err := decodeCommand(CodeConnect, body)
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(*ConnectCommand)
	if c.Hostname != "mail.example.org" || c.Port != 2525 || c.Literal != "203.0.113.5" {
		t.Fatalf("got %+v", c)
	}
	if c.IP == nil || c.IP.String() != "203.0.113.5" {
		t.Fatalf("got IP %v", c.IP)
	}
}

func TestDecodeConnectUnknownFamilyHasNoPort(t *testing.T) {
	body := append([]byte("unknown\x00"), byte(FamilyUnknown))
	body = append(body, "\x00"...)

	cmd, err := decodeCommand(CodeConnect, body)
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(*ConnectCommand)
	if c.Port != 0 {
		t.Fatalf("got port %d, want 0", c.Port)
	}
}

func TestDecodeMailFromDuplicateESMTPKeyIsAnError(t *testing.T) {
	body := []byte("<a@b>\x00SIZE=100\x00SIZE=200\x00")

	_, err := decodeCommand(CodeMailFrom, body)
	if !errors.Is(err, ErrDecodeError) {
		t.Fatalf("got %v, want ErrDecodeError", err)
	}
}

func TestDecodeRcptToStripsAngleBrackets(t *testing.T) {
	body := []byte("<rcpt@example.com>\x00")

	cmd, err := decodeCommand(CodeRcptTo, body)
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(*RcptToCommand)
	if c.Address != "rcpt@example.com" {
		t.Fatalf("got %q", c.Address)
	}
	if c.BareAddress {
		t.Fatal("a bracketed address must not be flagged as bare")
	}
}

func TestDecodeMailFromFlagsAddressWithoutAngleBrackets(t *testing.T) {
	body := []byte("a@b\x00")

	cmd, err := decodeCommand(CodeMailFrom, body)
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(*MailFromCommand)
	if c.Address != "a@b" {
		t.Fatalf("got %q, want the literal preserved verbatim", c.Address)
	}
	if !c.BareAddress {
		t.Fatal("an address without angle brackets must be flagged as bare")
	}
}

func TestDecodeDefineMacroPreservesWireOrderWithinOneBlock(t *testing.T) {
	body := append([]byte{byte(StageMailFrom)}, "z_first\x00v1\x00a_second\x00v2\x00"...)

	cmd, err := decodeCommand(CodeMacro, body)
	if err != nil {
		t.Fatal(err)
	}
	dm := cmd.(DefineMacroCommand)
	if dm.Pairs["z_first"] != "v1" || dm.Pairs["a_second"] != "v2" {
		t.Fatalf("got pairs %+v", dm.Pairs)
	}
	if got := dm.order; len(got) != 2 || got[0] != "z_first" || got[1] != "a_second" {
		t.Fatalf("got order %v, want wire order [z_first a_second]", got)
	}
}

func TestDecodeMailFromPreservesEmptyTrailingESMTPValue(t *testing.T) {
	// A trailing empty value must not be swallowed by the NUL trimming.
	body := []byte("<a@b>\x00BODY=\x00")

	cmd, err := decodeCommand(CodeMailFrom, body)
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(*MailFromCommand)
	if len(c.ESMTPArgs) != 1 || c.ESMTPArgs[0].Name != "BODY" || !c.ESMTPArgs[0].HasValue || c.ESMTPArgs[0].Value != "" {
		t.Fatalf("got %+v", c.ESMTPArgs)
	}
}

func TestDecodeDefineMacroAttachesToDeclaredStage(t *testing.T) {
	body := append([]byte{byte(StageHelo)}, "{daemon_name}\x00milterforge\x00"...)

	cmd, err := decodeCommand(CodeMacro, body)
	if err != nil {
		t.Fatal(err)
	}
	dm := cmd.(DefineMacroCommand)
	if dm.Stage != StageHelo {
		t.Fatalf("got stage %d", dm.Stage)
	}
	if dm.Pairs["daemon_name"] != "milterforge" {
		t.Fatalf("got pairs %+v, expected brace-stripped key", dm.Pairs)
	}
}

func TestDecodeOptionsNegotiate(t *testing.T) {
	body := make([]byte, 0, 12)
	body = appendUint32(body, 6)
	body = appendUint32(body, uint32(OptAddHeader|OptChangeHeader))
	body = appendUint32(body, uint32(OptSkip))

	cmd, err := decodeCommand(CodeOptNeg, body)
	if err != nil {
		t.Fatal(err)
	}
	on := cmd.(OptionsNegotiateCommand)
	if on.Version != 6 || on.Actions != OptAddHeader|OptChangeHeader || on.Protocol != OptSkip {
		t.Fatalf("got %+v", on)
	}
}

func TestDecodeOptionsNegotiateWrongSize(t *testing.T) {
	_, err := decodeCommand(CodeOptNeg, []byte{0, 0, 0, 6})
	if !errors.Is(err, ErrDecodeError) {
		t.Fatalf("got %v, want ErrDecodeError", err)
	}
}

func TestDecodeUnrecognizedCode(t *testing.T) {
	_, err := decodeCommand(Code('?'), nil)
	if !errors.Is(err, ErrDecodeError) {
		t.Fatalf("got %v, want ErrDecodeError", err)
	}
}
