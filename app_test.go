package milter

import "testing"

func TestBuildDefaultsNoReplyForEveryAbsentHook(t *testing.T) {
	factory := NewBuilder().Build()
	decl := factory("s1").Decl()

	cases := []struct {
		name string
		got  bool
	}{
		{"Connect", decl.NoReplyConnect},
		{"Helo", decl.NoReplyHelo},
		{"MailFrom", decl.NoReplyMailFrom},
		{"RcptTo", decl.NoReplyRcptTo},
		{"Data", decl.NoReplyData},
		{"Header", decl.NoReplyHeader},
		{"EndOfHeaders", decl.NoReplyEndOfHeaders},
		{"BodyChunk", decl.NoReplyBodyChunk},
		{"Unknown", decl.NoReplyUnknown},
	}
	for _, c := range cases {
		if !c.got {
			t.Errorf("NoReply%s should default to true when no hook is registered", c.name)
		}
	}
}

func TestBuildDoesNotDefaultNoReplyForADeclaredHook(t *testing.T) {
	factory := NewBuilder().
		OnMailFrom(func(e *Exchange, c *MailFromCommand) (Response, error) { return Continue, nil }).
		Build()
	decl := factory("s1").Decl()

	if !decl.HasMailFrom {
		t.Fatal("HasMailFrom should be true once OnMailFrom is registered")
	}
	if decl.NoReplyMailFrom {
		t.Fatal("a declared hook must not be marked no-reply unless WithNoReply says so")
	}
}

func TestWithNoReplyStillAppliesToADeclaredHook(t *testing.T) {
	factory := NewBuilder().
		OnMailFrom(func(e *Exchange, c *MailFromCommand) (Response, error) { return nil, nil }).
		WithNoReply(StageMailFrom).
		Build()
	decl := factory("s1").Decl()

	if !decl.HasMailFrom || !decl.NoReplyMailFrom {
		t.Fatalf("got %+v", decl)
	}
}

func TestNegotiateGrantsNoReplyBitsForZeroHookApp(t *testing.T) {
	// spec.md §8 Scenario 1: an app declaring zero hooks gets back every
	// no-* and no-reply-* bit the MTA offered.
	factory := NewBuilder().Build()
	decl := factory("s1").Decl()

	allOffered := OptNoConnect | OptNoHelo | OptNoMailFrom | OptNoRcptTo | OptNoBody |
		OptNoHeaders | OptNoEOH | OptNoUnknown | OptNoData |
		OptNoConnReply | OptNoHeloReply | OptNoMailReply | OptNoRcptReply |
		OptNoDataReply | OptNoUnknownReply | OptNoHeaderReply | OptNoEOHReply | OptNoBodyReply

	_, flags, err := Negotiate(offer(0, allOffered), decl)
	if err != nil {
		t.Fatal(err)
	}
	if flags.Protocol != allOffered {
		t.Fatalf("got %#x, want every offered skip/no-reply bit granted (%#x)", flags.Protocol, allOffered)
	}
}
