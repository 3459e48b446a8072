package conversation

// DefaultHistoryLimit bounds the visible history.
const DefaultHistoryLimit = 50

// History is the ordered user/assistant transcript of a conversation.
// The system message is never stored here. History is not safe for
// concurrent use; Session guards it.
type History struct {
	limit   int
	entries []ChatMessage
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

func (h *History) Len() int { return len(h.entries) }

// Snapshot returns a copy of the entries.
func (h *History) Snapshot() []ChatMessage {
	out := make([]ChatMessage, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Clear() { h.entries = nil }

// Push appends a message and drops the oldest entries past the limit.
func (h *History) Push(msg ChatMessage) {
	if msg.Role == RoleSystem {
		return
	}
	h.entries = append(h.entries, msg)
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append([]ChatMessage(nil), h.entries[over:]...)
	}
}

// AppendDelta extends the last assistant entry, or opens one.
func (h *History) AppendDelta(delta string) {
	if n := len(h.entries); n > 0 && h.entries[n-1].Role == RoleAssistant {
		h.entries[n-1].Content = Text(h.entries[n-1].Content.String() + delta)
		return
	}
	h.Push(ChatMessage{Role: RoleAssistant, Content: Text(delta)})
}

// SetResponse replaces the last assistant entry, or appends one.
func (h *History) SetResponse(text string) {
	if n := len(h.entries); n > 0 && h.entries[n-1].Role == RoleAssistant {
		h.entries[n-1].Content = Text(text)
		return
	}
	h.Push(ChatMessage{Role: RoleAssistant, Content: Text(text)})
}

func (h *History) userAt(i int) bool {
	return i >= 0 && i < len(h.entries) && h.entries[i].Role == RoleUser
}

// Delete removes the user turn at i and everything after it.
func (h *History) Delete(i int) bool {
	if !h.userAt(i) {
		return false
	}
	h.entries = h.entries[:i]
	return true
}

// Edit replaces the user turn at i. With truncate, later entries are dropped.
func (h *History) Edit(i int, content Content, truncate bool) bool {
	if !h.userAt(i) {
		return false
	}
	h.entries[i].Content = content
	if truncate {
		h.entries = h.entries[:i+1]
	}
	return true
}

// CutLastAssistant drops the last assistant entry and everything after it.
func (h *History) CutLastAssistant() bool {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].Role == RoleAssistant {
			h.entries = h.entries[:i]
			return true
		}
	}
	return false
}

// PendingUserTurn reports whether the last entry is a user turn with no reply yet.
func (h *History) PendingUserTurn() bool {
	n := len(h.entries)
	return n > 0 && h.entries[n-1].Role == RoleUser
}
