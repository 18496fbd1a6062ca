package milter

import (
	"fmt"
	"sort"
)

// AppDecl is the static declaration an application makes about which
// hooks it implements and which capabilities it requires. The options
// negotiator (Negotiate) consumes it exactly once, at the start of a
// session; it never changes afterward.
type AppDecl struct {
	HasConnect, HasHelo, HasMailFrom, HasRcptTo, HasData  bool
	HasHeader, HasEndOfHeaders, HasBodyChunk, HasUnknown  bool

	// NoReplyXxx declares that, although the hook is present (for its side
	// effects), the application never produces a wire reply for that stage.
	NoReplyConnect, NoReplyHelo, NoReplyMailFrom, NoReplyRcptTo bool
	NoReplyData, NoReplyHeader, NoReplyEndOfHeaders, NoReplyBodyChunk bool
	NoReplyUnknown bool

	// RequiredActions is the union of manipulation capabilities the
	// application's end-of-message hook may use.
	RequiredActions OptAction

	// IncludeRejectedRecipients requests that the MTA still call RcptTo
	// for recipients it has already locally rejected.
	IncludeRejectedRecipients bool
	// AllowBodySkip requests the bit permitting SkipToNextStage at BodyChunk.
	AllowBodySkip bool
	// HeaderLeadingSpace requests that header values preserve a leading
	// space byte verbatim. Defaults to off per this package's recommended
	// configuration (see Builder.WithHeaderLeadingSpace).
	HeaderLeadingSpace bool

	// Symbols restricts, per stage, which macros the application is
	// interested in. A nil map entry (stage absent from the map) means no
	// restriction is declared for that stage; a present-but-empty slice
	// means the application explicitly wants no macros for that stage.
	Symbols map[Stage][]string
}

// NegotiatedFlags is the frozen result of one options exchange, stored on
// the Session for its entire lifetime.
type NegotiatedFlags struct {
	Version  uint32
	Actions  OptAction
	Protocol OptProtocol
}

// Negotiate implements the four-step options-negotiation algorithm: reject
// unsupported versions, verify every action the app requires was offered,
// compute the skip/no-reply/capability protocol bits the app is entitled
// to, and return the reply alongside the frozen NegotiatedFlags.
func Negotiate(offer OptionsNegotiateCommand, decl AppDecl) (OptionsNegotiateResponse, NegotiatedFlags, error) {
	if offer.Version < protocolVersion {
		return OptionsNegotiateResponse{}, NegotiatedFlags{}, fmt.Errorf("%w: got %d, need at least %d", ErrUnsupportedVersion, offer.Version, protocolVersion)
	}

	wantedActions := decl.RequiredActions
	if missing := wantedActions &^ offer.Actions; missing != 0 {
		return OptionsNegotiateResponse{}, NegotiatedFlags{}, fmt.Errorf("%w: 0x%x", ErrActionNotOffered, uint32(missing))
	}

	var wantedProtocol OptProtocol
	setSkip := func(has bool, bit OptProtocol) {
		if !has && offer.Protocol&bit != 0 {
			wantedProtocol |= bit
		}
	}
	setSkip(decl.HasConnect, OptNoConnect)
	setSkip(decl.HasHelo, OptNoHelo)
	setSkip(decl.HasMailFrom, OptNoMailFrom)
	setSkip(decl.HasRcptTo, OptNoRcptTo)
	setSkip(decl.HasBodyChunk, OptNoBody)
	setSkip(decl.HasHeader, OptNoHeaders)
	setSkip(decl.HasEndOfHeaders, OptNoEOH)
	setSkip(decl.HasUnknown, OptNoUnknown)
	setSkip(decl.HasData, OptNoData)

	setNoReply := func(noReply bool, bit OptProtocol) {
		if noReply && offer.Protocol&bit != 0 {
			wantedProtocol |= bit
		}
	}
	setNoReply(decl.NoReplyConnect, OptNoConnReply)
	setNoReply(decl.NoReplyHelo, OptNoHeloReply)
	setNoReply(decl.NoReplyMailFrom, OptNoMailReply)
	setNoReply(decl.NoReplyRcptTo, OptNoRcptReply)
	setNoReply(decl.NoReplyData, OptNoDataReply)
	setNoReply(decl.NoReplyHeader, OptNoHeaderReply)
	setNoReply(decl.NoReplyEndOfHeaders, OptNoEOHReply)
	setNoReply(decl.NoReplyBodyChunk, OptNoBodyReply)
	setNoReply(decl.NoReplyUnknown, OptNoUnknownReply)

	if decl.IncludeRejectedRecipients && offer.Protocol&OptRcptRej != 0 {
		wantedProtocol |= OptRcptRej
	}
	if decl.AllowBodySkip && offer.Protocol&OptSkip != 0 {
		wantedProtocol |= OptSkip
	}
	if decl.HeaderLeadingSpace && offer.Protocol&OptHeaderLeadSpc != 0 {
		wantedProtocol |= OptHeaderLeadSpc
	}

	// Reply with the intersection of what we want and what was offered, on
	// both axes, even though by construction wantedProtocol/wantedActions
	// are already built from offered bits only.
	replyProtocol := wantedProtocol & offer.Protocol
	replyActions := wantedActions & offer.Actions

	if len(decl.Symbols) > 0 {
		replyProtocol |= OptSendSymbolList
	}

	resp := OptionsNegotiateResponse{
		Version:  protocolVersion,
		Actions:  replyActions,
		Protocol: replyProtocol,
		Symbols:  decl.Symbols,
	}
	flags := NegotiatedFlags{Version: protocolVersion, Actions: replyActions, Protocol: replyProtocol}
	return resp, flags, nil
}

// OptSendSymbolList has no equivalent SMFIP_* bit in real libmilter (there
// the symbol-list payload's presence is signaled by the reply body's
// length alone); this package still models it as a protocol flag per this
// specification's external-interface description, using the first bit
// position past the documented libmilter range.
const OptSendSymbolList OptProtocol = 1 << 21

// OptionsNegotiateResponse is the milter's reply to an options-negotiate
// command, optionally carrying a symbol-list payload.
type OptionsNegotiateResponse struct {
	Version  uint32
	Actions  OptAction
	Protocol OptProtocol
	Symbols  map[Stage][]string
}

func (r OptionsNegotiateResponse) encode() (*Message, error) {
	wireProtocol := r.Protocol &^ OptSendSymbolList
	buf := appendUint32(nil, r.Version)
	buf = appendUint32(buf, uint32(r.Actions))
	buf = appendUint32(buf, uint32(wireProtocol))

	if r.Protocol&OptSendSymbolList != 0 {
		stages := make([]Stage, 0, len(r.Symbols))
		for s := range r.Symbols {
			stages = append(stages, s)
		}
		sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
		for _, stage := range stages {
			names := append([]string(nil), r.Symbols[stage]...)
			sort.Strings(names)
			buf = appendUint32(buf, uint32(stage))
			joined := ""
			for i, n := range names {
				if i > 0 {
					joined += " "
				}
				joined += n
			}
			buf = appendCString(buf, joined)
		}
	}

	return &Message{Code: byte(CodeOptNeg), Data: buf}, nil
}
