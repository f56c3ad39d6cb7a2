package shell

import (
	"testing"
	"time"
)

func osc(body string) string { return "\x1b]" + body + "\x07" }

func feedAll(p *parser, chunks ...string) []segment {
	var segs []segment
	for _, c := range chunks {
		segs = append(segs, p.feed([]byte(c))...)
	}
	return segs
}

func markersOf(segs []segment) []*marker {
	var ms []*marker
	for _, s := range segs {
		if s.marker != nil {
			ms = append(ms, s.marker)
		}
	}
	return ms
}

func textOf(segs []segment) string {
	var out []byte
	for _, s := range segs {
		out = append(out, s.text...)
	}
	return string(out)
}

func TestParser_DecodesMarkers(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantKind    markerKind
		wantPayload string
	}{
		{"prompt start", osc("633;A"), markerPromptStart, ""},
		{"prompt end", osc("633;B"), markerPromptEnd, ""},
		{"pre exec", osc("633;C"), markerPreExec, ""},
		{"command end", osc("633;D;0"), markerCommandEnd, "0"},
		{"command line", osc("633;E;ls -la"), markerCommandLine, "ls -la"},
		{"escaped command line", osc(`633;E;echo a\;b`), markerCommandLine, "echo a;b"},
		{"cwd property", osc("633;P;Cwd=/home/user"), markerProperty, "Cwd=/home/user"},
		{"title osc0", osc("0;my title"), markerTitle, "my title"},
		{"title osc2", osc("2;other title"), markerTitle, "other title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := newParser().feed([]byte(tt.input))
			ms := markersOf(segs)
			if len(ms) != 1 {
				t.Fatalf("got %d markers, want 1 (%#v)", len(ms), segs)
			}
			if ms[0].kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", ms[0].kind, tt.wantKind)
			}
			if ms[0].payload != tt.wantPayload {
				t.Errorf("payload = %q, want %q", ms[0].payload, tt.wantPayload)
			}
		})
	}
}

func TestParser_STTerminator(t *testing.T) {
	segs := newParser().feed([]byte("\x1b]633;D;1\x1b\\after"))
	ms := markersOf(segs)
	if len(ms) != 1 || ms[0].kind != markerCommandEnd || ms[0].payload != "1" {
		t.Fatalf("markers = %#v", ms)
	}
	if textOf(segs) != "after" {
		t.Errorf("trailing text = %q, want %q", textOf(segs), "after")
	}
}

func TestParser_InterleavedTextAndMarkers(t *testing.T) {
	input := "before" + osc("633;A") + "middle" + osc("633;D;0") + "end"
	segs := newParser().feed([]byte(input))
	if got := textOf(segs); got != "beforemiddleend" {
		t.Errorf("text = %q", got)
	}
	if ms := markersOf(segs); len(ms) != 2 {
		t.Errorf("markers = %d, want 2", len(ms))
	}
}

func TestParser_PartialAcrossChunks(t *testing.T) {
	p := newParser()
	segs := feedAll(p, "out\x1b]633;E;ls", " -la\x07tail")
	if got := textOf(segs); got != "outtail" {
		t.Errorf("text = %q, want %q", got, "outtail")
	}
	ms := markersOf(segs)
	if len(ms) != 1 || ms[0].payload != "ls -la" {
		t.Fatalf("markers = %#v", ms)
	}
}

func TestParser_StalePartialFlushesAsPlainOutput(t *testing.T) {
	p := newParser()
	now := time.Now()
	p.now = func() time.Time { return now }

	if segs := p.feed([]byte("\x1b]633;E;incompl")); len(segs) != 0 {
		t.Fatalf("partial should be held, got %#v", segs)
	}

	// Past the hold timeout, the partial degrades to plain output ahead of
	// the next chunk.
	now = now.Add(partialHoldTimeout + time.Millisecond)
	segs := p.feed([]byte("fresh"))
	if got := textOf(segs); got != "\x1b]633;E;incomplfresh" {
		t.Errorf("text = %q", got)
	}
	if len(markersOf(segs)) != 0 {
		t.Errorf("stale partial must not decode as a marker")
	}
}

func TestParser_ForeignOSCPassesThrough(t *testing.T) {
	input := osc("52;c;aGVsbG8=")
	segs := newParser().feed([]byte(input))
	if len(markersOf(segs)) != 0 {
		t.Fatal("foreign OSC decoded as marker")
	}
	if textOf(segs) != input {
		t.Errorf("foreign OSC not passed through: %q", textOf(segs))
	}
}
