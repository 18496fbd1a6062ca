package milter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

type sessionState int

const (
	stateAwaitingOptions sessionState = iota
	stateNegotiated
	stateConnected
	stateHelo
	stateMailFrom
	stateRcptTo
	stateData
	stateHeader
	stateEndOfHeaders
	stateBody
	stateEndOfMessage
	stateAborted
	stateQuit
	stateClosed
	stateErrored
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingOptions:
		return "AwaitingOptions"
	case stateNegotiated:
		return "Negotiated"
	case stateConnected:
		return "Connected"
	case stateHelo:
		return "Helo"
	case stateMailFrom:
		return "MailFrom"
	case stateRcptTo:
		return "RcptTo"
	case stateData:
		return "Data"
	case stateHeader:
		return "Header"
	case stateEndOfHeaders:
		return "EndOfHeaders"
	case stateBody:
		return "Body"
	case stateEndOfMessage:
		return "EndOfMessage"
	case stateAborted:
		return "Aborted"
	case stateQuit:
		return "Quit"
	case stateClosed:
		return "Closed"
	default:
		return "Errored"
	}
}

// transitions is the literal state graph of §4.6. A (state, code) pair
// absent from this table is a protocol violation.
var transitions = map[sessionState]map[Code]sessionState{
	stateAwaitingOptions: {
		CodeOptNeg: stateNegotiated,
	},
	stateNegotiated: {
		CodeConnect:     stateConnected,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateConnected: {
		CodeHelo:        stateHelo,
		CodeMailFrom:    stateMailFrom,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateHelo: {
		CodeMailFrom:    stateMailFrom,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateMailFrom: {
		CodeRcptTo:      stateRcptTo,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateRcptTo: {
		CodeRcptTo:      stateRcptTo,
		CodeData:        stateData,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateData: {
		CodeHeader:      stateHeader,
		CodeEndOfHeader: stateEndOfHeaders,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateHeader: {
		CodeHeader:      stateHeader,
		CodeEndOfHeader: stateEndOfHeaders,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateEndOfHeaders: {
		CodeBody:        stateBody,
		CodeEndOfBody:   stateEndOfMessage,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateBody: {
		CodeBody:        stateBody,
		CodeEndOfBody:   stateEndOfMessage,
		CodeAbort:       stateAborted,
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
	stateAborted: {
		CodeConnect:     stateConnected,
		CodeMailFrom:    stateMailFrom,
		CodeAbort:       stateAborted, // tolerate a second consecutive Abort
		CodeQuit:        stateQuit,
		CodeQuitNewConn: stateQuit,
	},
}

// Config holds the per-session tunables a Server applies to every session
// it creates.
type Config struct {
	MaxBodyChunk        uint32
	CommandQueueSize    int
	HookDeadline        time.Duration
	EndOfMessageDefault Response
	Logger              *slog.Logger
	Metrics             *metrics
}

func (c Config) withDefaults() Config {
	if c.MaxBodyChunk == 0 {
		c.MaxBodyChunk = DefaultMaxBodyChunk
	}
	if c.CommandQueueSize == 0 {
		c.CommandQueueSize = 8
	}
	if c.HookDeadline == 0 {
		c.HookDeadline = 8 * time.Second
	}
	if c.EndOfMessageDefault == nil {
		c.EndOfMessageDefault = TempFail
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one accepted connection's worth of Milter protocol state: the
// framing codec (via conn), the macro accumulator, the negotiated flags,
// and the application instance produced for it by the server's AppFactory.
type Session struct {
	ID   string
	conn net.Conn
	cfg  Config

	hooks *Hooks
	flags NegotiatedFlags
	state sessionState

	macros         *macroAccumulator
	lastMacroBlock *DefineMacroCommand

	logger *slog.Logger
}

func newSession(id string, conn net.Conn, hooks *Hooks, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		ID:     id,
		conn:   conn,
		cfg:    cfg,
		hooks:  hooks,
		state:  stateAwaitingOptions,
		macros: newMacroAccumulator(),
		logger: cfg.Logger.With("session", id),
	}
}

// Run drives the session to completion: it decodes packets from conn,
// sequences them through the state machine and the application hooks, and
// writes responses back, until the connection closes, a protocol error
// occurs, or ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	queue := make(chan Command, s.cfg.CommandQueueSize)
	errCh := make(chan error, 1)

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	go func() {
		errCh <- s.consume(queue)
		// The consumer stops on Quit or on an error: closing the connection
		// unblocks decodeLoop's read, and draining unblocks a pending send.
		s.conn.Close()
		for range queue {
		}
	}()

	readErr := s.decodeLoop(queue)
	close(queue)
	consumeErr := <-errCh

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if consumeErr != nil {
		return consumeErr
	}
	if s.state == stateQuit {
		return nil
	}
	return readErr
}

// decodeLoop is the session's I/O-side goroutine: it owns the framing
// codec and pushes decoded commands onto the bounded queue in arrival
// order, providing backpressure on a slow application.
func (s *Session) decodeLoop(queue chan<- Command) error {
	for {
		msg, err := ReadPacket(s.conn, s.cfg.MaxBodyChunk+1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		cmd, err := decodeCommand(Code(msg.Code), msg.Data)
		if err != nil {
			s.logger.Error("decode error", "error", err)
			return err
		}
		queue <- cmd
	}
}

// consume is the session's hook-side goroutine: the single consumer of the
// command queue, processing exactly one command at a time so that
// responses are written in hook-completion order without reentrancy.
func (s *Session) consume(queue <-chan Command) error {
	for cmd := range queue {
		if err := s.dispatch(cmd); err != nil {
			return err
		}
		if s.state == stateQuit {
			return nil
		}
	}
	return nil
}

func (s *Session) dispatch(cmd Command) error {
	switch c := cmd.(type) {
	case OptionsNegotiateCommand:
		return s.handleOptionsNegotiate(c)
	case DefineMacroCommand:
		s.macros.define(c.order, c.Pairs)
		block := c
		s.lastMacroBlock = &block
		return nil
	}

	if err := s.advance(cmd.commandCode()); err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.protocolViolations.Inc()
		}
		return err
	}

	if mr, ok := cmd.(macroReceiver); ok {
		mr.attachMacros(s.macroSnapshotFor(cmd.commandCode()))
	}

	switch c := cmd.(type) {
	case *ConnectCommand:
		return s.dispatchSimple(StageConnect, s.hooks.OnConnect != nil, s.noReplyNegotiated(StageConnect),
			func() (Response, error) { return s.hooks.OnConnect(s.exchange(c.Macros), c) })
	case *HeloCommand:
		return s.dispatchSimple(StageHelo, s.hooks.OnHelo != nil, s.noReplyNegotiated(StageHelo),
			func() (Response, error) { return s.hooks.OnHelo(s.exchange(c.Macros), c) })
	case *MailFromCommand:
		if c.BareAddress {
			s.logger.Warn("envelope sender lacks angle brackets; using literal as-is", "address", c.Address)
		}
		return s.dispatchSimple(StageMailFrom, s.hooks.OnMailFrom != nil, s.noReplyNegotiated(StageMailFrom),
			func() (Response, error) { return s.hooks.OnMailFrom(s.exchange(c.Macros), c) })
	case *RcptToCommand:
		if c.BareAddress {
			s.logger.Warn("envelope recipient lacks angle brackets; using literal as-is", "address", c.Address)
		}
		return s.dispatchSimple(StageRcptTo, s.hooks.OnRcptTo != nil, s.noReplyNegotiated(StageRcptTo),
			func() (Response, error) { return s.hooks.OnRcptTo(s.exchange(c.Macros), c) })
	case *DataCommand:
		return s.dispatchSimple(StageData, s.hooks.OnData != nil, s.noReplyNegotiated(StageData),
			func() (Response, error) { return s.hooks.OnData(s.exchange(c.Macros), c) })
	case *HeaderCommand:
		return s.dispatchSimple(StageHeader, s.hooks.OnHeader != nil, s.noReplyNegotiated(StageHeader),
			func() (Response, error) { return s.hooks.OnHeader(s.exchange(c.Macros), c) })
	case *EndOfHeadersCommand:
		return s.dispatchSimple(StageEndOfHeaders, s.hooks.OnEndOfHeaders != nil, s.noReplyNegotiated(StageEndOfHeaders),
			func() (Response, error) { return s.hooks.OnEndOfHeaders(s.exchange(c.Macros), c) })
	case *BodyChunkCommand:
		return s.dispatchBodyChunk(c)
	case *EndOfMessageCommand:
		err := s.dispatchEndOfMessage(c)
		s.state = stateConnected // new transaction allowed on the same session
		return err
	case *UnknownCommand:
		return s.dispatchSimple(StageUnknown, s.hooks.OnUnknown != nil, s.noReplyNegotiated(StageUnknown),
			func() (Response, error) { return s.hooks.OnUnknown(s.exchange(c.Macros), c) })
	case AbortCommand:
		if s.hooks.OnAbort != nil {
			if _, err, timedOut := s.callHook(func() (Response, error) { return nil, s.hooks.OnAbort(s.exchange(nil), c) }); err != nil && !timedOut {
				s.logger.Warn("abort hook failed", "error", err)
			}
		}
		return nil
	case QuitCommand:
		s.runQuitHook()
		return nil
	case QuitNewConnectionCommand:
		s.runQuitHook()
		return nil
	default:
		return fmt.Errorf("%w: unhandled command type %T", ErrProtocolViolation, cmd)
	}
}

// runQuitHook treats QuitWithNewConnection identically to Quit: this
// package never reuses the underlying connection for a fresh session.
func (s *Session) runQuitHook() {
	if s.hooks.OnQuit == nil {
		return
	}
	if _, err, timedOut := s.callHook(func() (Response, error) { return nil, s.hooks.OnQuit(s.exchange(nil), QuitCommand{}) }); err != nil && !timedOut {
		s.logger.Warn("quit hook failed", "error", err)
	}
}

// advance validates and applies one state transition. QuitWithNewConnection
// is accepted for protocol completeness but always treated as Quit (no
// connection reuse), per this package's design notes.
func (s *Session) advance(code Code) error {
	row, ok := transitions[s.state]
	if !ok {
		return fmt.Errorf("%w: no transitions defined from state %s", ErrProtocolViolation, s.state)
	}
	next, ok := row[code]
	if !ok {
		return fmt.Errorf("%w: command %q not permitted in state %s", ErrProtocolViolation, byte(code), s.state)
	}
	s.state = next
	return nil
}

func (s *Session) handleOptionsNegotiate(c OptionsNegotiateCommand) error {
	if s.state != stateAwaitingOptions {
		return fmt.Errorf("%w: options-negotiate outside AwaitingOptions", ErrProtocolViolation)
	}
	resp, flags, err := Negotiate(c, s.hooks.decl)
	if err != nil {
		return err
	}
	s.flags = flags
	s.state = stateNegotiated
	return s.write(resp)
}

// macroSnapshotFor returns the macro accumulator's current contents. Every
// DefineMacro block is already recorded in the accumulator when it arrives;
// this only clears the pending block once a command of its declared stage
// consumes it.
func (s *Session) macroSnapshotFor(code Code) map[string]string {
	if s.lastMacroBlock != nil {
		if stage, ok := macroStageOf(code); ok && s.lastMacroBlock.Stage == stage {
			s.lastMacroBlock = nil
		}
	}
	return s.macros.snapshot()
}

func (s *Session) exchange(macros map[string]string) *Exchange {
	return &Exchange{SessionID: s.ID, Macros: macros, Logger: s.logger, session: s}
}

func (s *Session) noReplyNegotiated(stage Stage) bool {
	switch stage {
	case StageConnect:
		return s.flags.Protocol&OptNoConnReply != 0
	case StageHelo:
		return s.flags.Protocol&OptNoHeloReply != 0
	case StageMailFrom:
		return s.flags.Protocol&OptNoMailReply != 0
	case StageRcptTo:
		return s.flags.Protocol&OptNoRcptReply != 0
	case StageData:
		return s.flags.Protocol&OptNoDataReply != 0
	case StageHeader:
		return s.flags.Protocol&OptNoHeaderReply != 0
	case StageEndOfHeaders:
		return s.flags.Protocol&OptNoEOHReply != 0
	case StageBody:
		return s.flags.Protocol&OptNoBodyReply != 0
	case StageUnknown:
		return s.flags.Protocol&OptNoUnknownReply != 0
	default:
		return false
	}
}

// dispatchSimple implements the dispatch contract (§4.6) for every stage
// that replies with a single Response: invoke the hook if present, honor
// the no-reply bit, apply the hook deadline, and write the result.
func (s *Session) dispatchSimple(stage Stage, present, noReply bool, call func() (Response, error)) error {
	if !present {
		return s.writeIfExpected(stage, noReply, Continue)
	}

	start := time.Now()
	resp, err, timedOut := s.callHook(call)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.hookDuration.WithLabelValues(stageName(stage)).Observe(time.Since(start).Seconds())
	}
	if timedOut {
		s.logger.Warn("hook deadline exceeded", "stage", stageName(stage))
		return s.writeIfExpected(stage, noReply, TempFail)
	}
	if err != nil {
		s.logger.Warn("hook failed", "stage", stageName(stage), "error", err)
		return s.writeIfExpected(stage, noReply, TempFail)
	}

	if noReply {
		if resp != nil {
			s.logger.Warn("hook returned a response for a no-reply stage; dropping", "stage", stageName(stage))
		}
		return nil
	}
	if resp == nil {
		resp = Continue
	}
	return s.write(resp)
}

func (s *Session) writeIfExpected(stage Stage, noReply bool, resp Response) error {
	if noReply {
		return nil
	}
	return s.write(resp)
}

func (s *Session) dispatchBodyChunk(c *BodyChunkCommand) error {
	noReply := s.noReplyNegotiated(StageBody)
	if s.hooks.OnBodyChunk == nil {
		return s.writeIfExpected(StageBody, noReply, Continue)
	}
	resp, err, timedOut := s.callHook(func() (Response, error) { return s.hooks.OnBodyChunk(s.exchange(c.Macros), c) })
	if timedOut || err != nil {
		if err != nil {
			s.logger.Warn("hook failed", "stage", "body", "error", err)
		}
		return s.writeIfExpected(StageBody, noReply, TempFail)
	}
	if resp == nil {
		resp = Continue
	}
	if resp == SkipToNextStage && s.flags.Protocol&OptSkip == 0 {
		s.logger.Warn("hook requested skip-to-next-stage but OptSkip was not negotiated; degrading to Continue")
		resp = Continue
	}
	return s.writeIfExpected(StageBody, noReply, resp)
}

func (s *Session) dispatchEndOfMessage(c *EndOfMessageCommand) error {
	if s.hooks.OnEndOfMessage == nil {
		return s.write(s.cfg.EndOfMessageDefault)
	}

	result, err, timedOut := s.callEndOfMessageHook(func() (*EndOfMessageResult, error) {
		return s.hooks.OnEndOfMessage(s.exchange(c.Macros), c)
	})
	if timedOut || err != nil {
		if err != nil {
			s.logger.Warn("end-of-message hook failed", "error", err)
		}
		return s.write(s.cfg.EndOfMessageDefault)
	}

	var manipulations []Response
	verdict := Continue
	if result != nil {
		manipulations = result.Manipulations
		if result.Verdict != nil {
			verdict = result.Verdict
		}
	}

	for _, m := range manipulations {
		if !isManipulation(m) {
			continue
		}
		msg, encErr := encodeResponse(m, s.flags.Actions)
		if encErr != nil {
			s.logger.Warn("dropping manipulation not permitted by negotiated actions", "error", encErr)
			continue
		}
		if err := WritePacket(s.conn, msg, 0); err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}

	return s.write(verdict)
}

func (s *Session) sendProgress() error {
	return s.write(Progress)
}

// write is the sole non-end-of-message reply path: a manipulation is only
// a valid wire reply to EndOfMessage, where dispatchEndOfMessage writes it
// directly via WritePacket. Any hook that hands a manipulation back here by
// mistake (e.g. OnMailFrom returning AddHeader(...)) has it replaced with
// Continue rather than transmitted as that stage's reply — the MTA still
// expects exactly one reply to the command that triggered the hook.
func (s *Session) write(r Response) error {
	if isManipulation(r) {
		s.logger.Warn("dropping manipulation returned outside end-of-message", "type", fmt.Sprintf("%T", r))
		r = Continue
	}
	msg, err := encodeResponse(r, s.flags.Actions)
	if err != nil {
		s.logger.Warn("dropping response not permitted by negotiated actions", "error", err)
		return nil
	}
	if err := WritePacket(s.conn, msg, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

type hookResult struct {
	resp Response
	err  error
}

func (s *Session) callHook(fn func() (Response, error)) (resp Response, err error, timedOut bool) {
	ch := make(chan hookResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- hookResult{nil, fmt.Errorf("panic: %v", r)}
			}
		}()
		resp, err := fn()
		ch <- hookResult{resp, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.resp, fmt.Errorf("%w: %v", ErrHookFailure, r.err), false
		}
		return r.resp, nil, false
	case <-time.After(s.cfg.HookDeadline):
		return nil, ErrHookDeadline, true
	}
}

type eomHookResult struct {
	result *EndOfMessageResult
	err    error
}

func (s *Session) callEndOfMessageHook(fn func() (*EndOfMessageResult, error)) (*EndOfMessageResult, error, bool) {
	ch := make(chan eomHookResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- eomHookResult{nil, fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := fn()
		ch <- eomHookResult{result, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.result, fmt.Errorf("%w: %v", ErrHookFailure, r.err), false
		}
		return r.result, nil, false
	case <-time.After(s.cfg.HookDeadline):
		return nil, ErrHookDeadline, true
	}
}

func stageName(s Stage) string {
	switch s {
	case StageConnect:
		return "connect"
	case StageHelo:
		return "helo"
	case StageMailFrom:
		return "mail_from"
	case StageRcptTo:
		return "rcpt_to"
	case StageData:
		return "data"
	case StageEndOfMessage:
		return "end_of_message"
	case StageEndOfHeaders:
		return "end_of_headers"
	case StageHeader:
		return "header"
	case StageBody:
		return "body"
	case StageUnknown:
		return "unknown"
	default:
		return "?"
	}
}
