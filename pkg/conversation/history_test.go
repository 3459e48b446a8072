package conversation

import (
	"encoding/json"
	"testing"

	"github.com/harunnryd/echome/pkg/errorsx"
)

func fiveTurns() *History {
	h := NewHistory(0)
	h.Push(ChatMessage{Role: RoleUser, Content: Text("u0")})
	h.Push(ChatMessage{Role: RoleAssistant, Content: Text("a1")})
	h.Push(ChatMessage{Role: RoleUser, Content: Text("u2")})
	h.Push(ChatMessage{Role: RoleAssistant, Content: Text("a3")})
	h.Push(ChatMessage{Role: RoleUser, Content: Text("u4")})
	return h
}

func TestEditWithTruncate(t *testing.T) {
	h := fiveTurns()
	if !h.Edit(2, Text("edited"), true) {
		t.Fatalf("expected edit")
	}
	got := h.Snapshot()
	if len(got) != 3 || got[2].Content.String() != "edited" {
		t.Fatalf("unexpected history %+v", got)
	}
}

func TestEditWithoutTruncateKeepsLaterTurns(t *testing.T) {
	h := fiveTurns()
	h.Edit(0, Text("first"), false)
	if h.Len() != 5 || h.Snapshot()[0].Content.String() != "first" {
		t.Fatalf("unexpected history %+v", h.Snapshot())
	}
}

func TestMutationsRejectWrongRoleAndRange(t *testing.T) {
	h := fiveTurns()
	if h.Edit(1, Text("x"), true) || h.Delete(3) || h.Delete(-1) || h.Edit(5, Text("x"), false) {
		t.Fatalf("expected no-ops")
	}
	if h.Len() != 5 {
		t.Fatalf("history must be untouched, got %d entries", h.Len())
	}
}

func TestDeleteTruncatesAtUserTurn(t *testing.T) {
	h := fiveTurns()
	if !h.Delete(2) || h.Len() != 2 {
		t.Fatalf("expected two entries left, got %d", h.Len())
	}
}

func TestCutLastAssistant(t *testing.T) {
	h := fiveTurns()
	if !h.CutLastAssistant() || h.Len() != 3 {
		t.Fatalf("expected cut at index 3, got %d entries", h.Len())
	}
	if !h.PendingUserTurn() {
		t.Fatalf("expected trailing user turn")
	}
}

func TestDeltaAndResponseMerge(t *testing.T) {
	h := NewHistory(0)
	h.Push(ChatMessage{Role: RoleUser, Content: Text("hi")})
	h.AppendDelta("Hel")
	h.AppendDelta("lo")
	if h.Len() != 2 || h.Snapshot()[1].Content.String() != "Hello" {
		t.Fatalf("unexpected merge %+v", h.Snapshot())
	}
	h.SetResponse("Hi!")
	if h.Len() != 2 || h.Snapshot()[1].Content.String() != "Hi!" {
		t.Fatalf("expected replacement, got %+v", h.Snapshot())
	}
	h.Push(ChatMessage{Role: RoleUser, Content: Text("again")})
	h.SetResponse("Sure.")
	if h.Len() != 4 {
		t.Fatalf("expected new assistant entry, got %d", h.Len())
	}
}

func TestHistoryLimitDropsOldest(t *testing.T) {
	h := NewHistory(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		h.Push(ChatMessage{Role: RoleUser, Content: Text(s)})
	}
	got := h.Snapshot()
	if len(got) != 3 || got[0].Content.String() != "c" || got[2].Content.String() != "e" {
		t.Fatalf("unexpected window %+v", got)
	}
	h.Push(ChatMessage{Role: RoleSystem, Content: Text("sys")})
	if h.Len() != 3 {
		t.Fatalf("system messages are never stored")
	}
}

func TestContentJSON(t *testing.T) {
	b, err := json.Marshal(ChatMessage{Role: RoleUser, Content: UserContent("look", "https://img/1.png")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://img/1.png"}}]}`
	if string(b) != want {
		t.Fatalf("unexpected json\n got %s\nwant %s", b, want)
	}

	var back ChatMessage
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	parts := back.Content.Parts()
	if len(parts) != 2 || parts[1].(ImagePart).URL != "https://img/1.png" || back.Content.String() != "look" {
		t.Fatalf("unexpected parts %+v", parts)
	}

	b, _ = json.Marshal(Text("plain"))
	if string(b) != `"plain"` {
		t.Fatalf("text content must marshal as a string, got %s", b)
	}
	if UserContent("only text").IsParts() {
		t.Fatalf("no attachments means plain text")
	}
}

func TestParseServerMessage(t *testing.T) {
	cases := []struct {
		raw  string
		want ServerMessage
	}{
		{`{"type":"connection_established","timestamp":"2024-01-01T00:00:00Z"}`, ConnectionEstablished{}},
		{`{"type":"stream_start"}`, StreamStart{}},
		{`{"type":"stream_chunk","content":"x"}`, StreamChunk{Content: "x"}},
		{`{"type":"stream_end"}`, StreamEnd{}},
		{`{"type":"text_response","response":"done"}`, TextResponse{Response: "done"}},
		{`{"type":"error","message":"boom"}`, ErrorMessage{Message: "boom"}},
		{`{"type":"tts_error","message":"voice"}`, SynthesisError{Message: "voice"}},
	}
	for _, tc := range cases {
		got, err := ParseServerMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %#v, got %#v", tc.raw, tc.want, got)
		}
	}
	got, _ := ParseServerMessage([]byte(`{"type":"ping"}`))
	if u, ok := got.(Unrecognized); !ok || u.Type != "ping" {
		t.Fatalf("expected unrecognized, got %#v", got)
	}
	if _, err := ParseServerMessage([]byte(`nope`)); !errorsx.HasReason(err, errorsx.ReasonProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
