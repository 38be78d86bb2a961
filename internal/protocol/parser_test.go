package protocol

import "testing"

func feedLines(p *Parser, lines ...string) ([]ParsedCommand, []*ParseError) {
	var cmds []ParsedCommand
	var errs []*ParseError
	for _, l := range lines {
		c, e := p.Feed(l)
		cmds = append(cmds, c...)
		errs = append(errs, e...)
	}
	return cmds, errs
}

func TestMessageCommandHappyPath(t *testing.T) {
	p := New()
	cmds, errs := feedLines(p,
		"<<<RELAY",
		"TO: Alice",
		"",
		"hello there",
		"RELAY>>>",
	)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	cmd := cmds[0]
	if cmd.Kind != CommandMessage || cmd.To.Kind != TargetAgent || cmd.To.Name != "Alice" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.Body != "hello there" {
		t.Fatalf("unexpected body: %q", cmd.Body)
	}
}

func TestSpawnCommand(t *testing.T) {
	p := New()
	cmds, errs := feedLines(p,
		"<<<RELAY",
		"KIND: spawn",
		"NAME: Worker1",
		"CLI: claude",
		"",
		"Do task X.",
		"RELAY>>>",
	)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 1 || cmds[0].Kind != CommandSpawn || cmds[0].Name != "Worker1" || cmds[0].CLI != "claude" {
		t.Fatalf("unexpected: %+v %v", cmds, errs)
	}
	if cmds[0].Task != "Do task X." {
		t.Fatalf("unexpected task body: %q", cmds[0].Task)
	}
}

func TestBroadcastAndChannelTargets(t *testing.T) {
	p := New()
	cmds, _ := feedLines(p, "<<<RELAY", "TO: *", "", "go", "RELAY>>>")
	if cmds[0].To.Kind != TargetBroadcast {
		t.Fatalf("expected broadcast target, got %+v", cmds[0].To)
	}

	p2 := New()
	cmds2, _ := feedLines(p2, "<<<RELAY", "TO: #team", "", "go", "RELAY>>>")
	if cmds2[0].To.Kind != TargetChannel || cmds2[0].To.Name != "team" {
		t.Fatalf("expected channel target, got %+v", cmds2[0].To)
	}
}

func TestBridgeTarget(t *testing.T) {
	p := New()
	cmds, _ := feedLines(p, "<<<RELAY", "TO: other-project:Lead", "", "hi", "RELAY>>>")
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command")
	}
	if cmds[0].To.Kind != TargetBridge || cmds[0].To.Project != "other-project" || cmds[0].To.Name != "Lead" {
		t.Fatalf("unexpected bridge target: %+v", cmds[0].To)
	}
}

// TestParserRecoversWithinOneLine models scenario S5: a malformed fence
// (duplicate TO) immediately followed by a well-formed one. Exactly one
// parse_error fires for the first, and the second parses normally.
func TestParserRecoversWithinOneLine(t *testing.T) {
	p := New()
	cmds, errs := feedLines(p,
		"<<<RELAY",
		"TO: Alice",
		"TO: Bob",
		"",
		"body",
		"RELAY>>>",
		"<<<RELAY",
		"TO: Carol",
		"",
		"second message",
		"RELAY>>>",
	)
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 parse error, got %d: %v", len(errs), errs)
	}
	if len(cmds) != 1 || cmds[0].To.Name != "Carol" {
		t.Fatalf("expected second command to parse normally, got %+v", cmds)
	}
}

func TestUnterminatedFenceRecovery(t *testing.T) {
	p := New()
	_, errs := feedLines(p,
		"<<<RELAY",
		"TO: Alice",
		"",
		"some body",
		// no closing fence, session ends / new content begins
		"<<<RELAY",
		"TO: Bob",
		"",
		"next",
		"RELAY>>>",
	)
	if len(errs) != 0 {
		// body lines before the nested fence are legal; nested fence
		// inside a body terminates it rather than erroring.
		t.Fatalf("did not expect errors for nested-fence-in-body, got %v", errs)
	}
}

func TestNestedFenceInBodyTerminatesOuter(t *testing.T) {
	p := New()
	cmds, errs := feedLines(p,
		"<<<RELAY",
		"TO: Alice",
		"",
		"outer body line",
		"<<<RELAY",
		"TO: Bob",
		"",
		"inner body",
		"RELAY>>>",
	)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected outer then inner command, got %d: %+v", len(cmds), cmds)
	}
	if cmds[0].To.Name != "Alice" || cmds[0].Body != "outer body line" {
		t.Fatalf("unexpected outer command: %+v", cmds[0])
	}
	if cmds[1].To.Name != "Bob" || cmds[1].Body != "inner body" {
		t.Fatalf("unexpected inner command: %+v", cmds[1])
	}
}

func TestUnknownHeaderOnSpawnErrors(t *testing.T) {
	p := New()
	cmds, errs := feedLines(p,
		"<<<RELAY",
		"KIND: spawn",
		"NAME: X",
		"CLI: codex",
		"BOGUS: 1",
		"",
		"task",
		"RELAY>>>",
	)
	if len(cmds) != 0 {
		t.Fatalf("expected no command for unknown header on spawn, got %+v", cmds)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 parse error, got %d", len(errs))
	}
}

func TestUnknownHeaderOnMessageIsIgnored(t *testing.T) {
	p := New()
	cmds, errs := feedLines(p,
		"<<<RELAY",
		"TO: Alice",
		"BOGUS: 1",
		"",
		"hi",
		"RELAY>>>",
	)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Extra["BOGUS"] != "1" {
		t.Fatalf("expected unknown header preserved in Extra, got %+v", cmds[0].Extra)
	}
}

func TestEmptyBodyIsLegal(t *testing.T) {
	p := New()
	cmds, errs := feedLines(p, "<<<RELAY", "TO: Alice", "", "RELAY>>>")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 1 || cmds[0].Body != "" {
		t.Fatalf("expected empty legal body, got %+v", cmds)
	}
}
