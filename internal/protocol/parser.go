package protocol

import (
	"strings"
	"sync"
)

const (
	openFence  = "<<<RELAY"
	closeFence = "RELAY>>>"
)

// knownHeaderKeys is the closed set of header keys recognized on any
// command kind.
var knownHeaderKeys = map[string]struct{}{
	"TO": {}, "KIND": {}, "THREAD": {}, "NAME": {}, "CLI": {}, "CWD": {}, "AWAIT": {},
}

// ParseError describes a single malformed-fence recovery event; the
// parser resumes scanning after the offending line.
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string { return e.Reason }

type parserState int

const (
	stateScanning parserState = iota
	stateInHeaders
	stateInBody
)

// Parser is a small per-session state machine:
// Scanning -> InHeaders -> InBody -> Emit.
type Parser struct {
	mu sync.Mutex

	state       parserState
	headers     map[string]string
	headerOrder []string
	body        []string
}

// New constructs a Parser starting in the Scanning state.
func New() *Parser {
	return &Parser{state: stateScanning}
}

// Feed processes one logical line (as produced by streamnorm.Normalizer)
// and returns any commands fully parsed and any parse errors encountered
// as a result of this line. Both slices may be empty; a command and a
// parse error are never returned together for the same line.
func (p *Parser) Feed(line string) ([]ParsedCommand, []*ParseError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateScanning:
		return p.feedScanning(line)
	case stateInHeaders:
		return p.feedHeaders(line)
	case stateInBody:
		return p.feedBody(line)
	}
	return nil, nil
}

func (p *Parser) feedScanning(line string) ([]ParsedCommand, []*ParseError) {
	if strings.TrimSpace(line) == openFence {
		p.openBlock()
	}
	return nil, nil
}

func (p *Parser) openBlock() {
	p.state = stateInHeaders
	p.headers = make(map[string]string)
	p.headerOrder = nil
	p.body = nil
}

func (p *Parser) feedHeaders(line string) ([]ParsedCommand, []*ParseError) {
	trimmed := strings.TrimSpace(line)

	if trimmed == "" {
		p.state = stateInBody
		return nil, nil
	}

	if trimmed == openFence {
		// A fence inside the header section with no body present; the
		// in-progress block never completed. Abandon it and start fresh
		// on this same line.
		p.openBlock()
		return nil, []*ParseError{{Reason: "unterminated fence before nested open", Line: line}}
	}

	idx := strings.Index(line, ":")
	if idx < 0 {
		p.resetToScanning()
		return nil, []*ParseError{{Reason: "malformed header line (missing ':')", Line: line}}
	}

	key := strings.ToUpper(strings.TrimSpace(line[:idx]))
	value := strings.TrimSpace(line[idx+1:])

	for _, seen := range p.headerOrder {
		if seen == key {
			p.resetToScanning()
			return nil, []*ParseError{{Reason: "duplicate header: " + key, Line: line}}
		}
	}

	p.headers[key] = value
	p.headerOrder = append(p.headerOrder, key)
	return nil, nil
}

func (p *Parser) feedBody(line string) ([]ParsedCommand, []*ParseError) {
	trimmed := strings.TrimSpace(line)

	if trimmed == closeFence {
		cmd, err := p.finalize()
		p.state = stateScanning
		if err != nil {
			return nil, []*ParseError{err}
		}
		return []ParsedCommand{*cmd}, nil
	}

	if trimmed == openFence {
		// Nested fence terminates the body: the outer block is emitted
		// using the body collected so far, then the inner block begins
		// fresh; nested fences are not supported.
		cmd, err := p.finalize()
		p.openBlock()
		if err != nil {
			return nil, []*ParseError{err}
		}
		return []ParsedCommand{*cmd}, nil
	}

	p.body = append(p.body, line)
	return nil, nil
}

func (p *Parser) resetToScanning() {
	p.state = stateScanning
	p.headers = nil
	p.headerOrder = nil
	p.body = nil
}

// finalize builds a ParsedCommand from the accumulated headers and body,
// validating the required-key set for the command's kind. On success the
// parser has already been left in a state the caller resets explicitly;
// on failure it returns a *ParseError and a nil command.
func (p *Parser) finalize() (*ParsedCommand, *ParseError) {
	body := strings.Join(p.body, "\n")
	// A single trailing newline is stripped; since body is built from
	// discrete lines without a final terminator this is already the case.

	kindHeader := strings.ToLower(p.headers["KIND"])
	if kindHeader == "" {
		kindHeader = "message"
	}

	extra := map[string]string{}
	for k, v := range p.headers {
		if _, known := knownHeaderKeys[k]; !known {
			extra[k] = v
		}
	}

	switch kindHeader {
	case "message":
		to, ok := p.headers["TO"]
		if !ok || strings.TrimSpace(to) == "" {
			return nil, &ParseError{Reason: "message command missing required TO header"}
		}
		target, err := parseTarget(to)
		if err != nil {
			return nil, &ParseError{Reason: err.Error()}
		}
		return &ParsedCommand{
			Kind:    CommandMessage,
			To:      target,
			Thread:  p.headers["THREAD"],
			MsgKind: "message",
			Body:    body,
			Await:   p.headers["AWAIT"],
			Extra:   extra,
		}, nil

	case "spawn":
		if len(extra) > 0 {
			return nil, &ParseError{Reason: "unknown header on spawn command"}
		}
		name := p.headers["NAME"]
		cli := p.headers["CLI"]
		if name == "" || cli == "" {
			return nil, &ParseError{Reason: "spawn command missing required NAME/CLI header"}
		}
		return &ParsedCommand{
			Kind:  CommandSpawn,
			Name:  name,
			CLI:   cli,
			Task:  body,
			CWD:   p.headers["CWD"],
			Extra: extra,
		}, nil

	case "release":
		if len(extra) > 0 {
			return nil, &ParseError{Reason: "unknown header on release command"}
		}
		name := p.headers["NAME"]
		if name == "" {
			return nil, &ParseError{Reason: "release command missing required NAME header"}
		}
		return &ParsedCommand{
			Kind:   CommandRelease,
			Name:   name,
			Reason: body,
			Extra:  extra,
		}, nil

	case "status":
		return &ParsedCommand{Kind: CommandControl, Control: ControlStatus, Extra: extra}, nil

	case "ping":
		return &ParsedCommand{Kind: CommandControl, Control: ControlPing, Extra: extra}, nil

	default:
		return nil, &ParseError{Reason: "unknown KIND: " + kindHeader}
	}
}

// ParseTarget parses a raw TO header value (or control-plane "to" field)
// into a Target, applying the same rules the in-band parser uses: "*" for
// broadcast, a "#" prefix for a channel, "project:name" for a bridge
// target, and a bare name otherwise.
func ParseTarget(raw string) (Target, error) {
	return parseTarget(raw)
}

func parseTarget(raw string) (Target, error) {
	v := strings.TrimSpace(raw)
	switch {
	case v == "*":
		return Target{Kind: TargetBroadcast}, nil
	case strings.HasPrefix(v, "#"):
		return Target{Kind: TargetChannel, Name: strings.TrimPrefix(v, "#")}, nil
	case strings.Contains(v, ":"):
		parts := strings.SplitN(v, ":", 2)
		return Target{Kind: TargetBridge, Project: parts[0], Name: parts[1]}, nil
	default:
		return Target{Kind: TargetAgent, Name: v}, nil
	}
}
