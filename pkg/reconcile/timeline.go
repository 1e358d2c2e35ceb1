// Package reconcile merges three independent update sources — direct
// completion-stream events, broadcast-bus events, and optimistic local
// writes — into one ordered, duplicate-free message sequence per chat. The
// sequence is kept sorted by creation timestamp at all times; the only
// system-wide ordering guarantee is enforced here, not by any transport.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
)

// PreviewPrefix marks the synthetic id space of ephemeral typing previews.
const PreviewPrefix = "preview-"

// WriteState tracks an optimistic local write.
type WriteState string

const (
	WritePending   WriteState = "pending"
	WriteConfirmed WriteState = "confirmed"
	WriteFailed    WriteState = "failed"
)

// ApplyResult reports what an Apply did, so the caller can distinguish a
// genuinely new message from a merge or an echo of its own write.
type ApplyResult struct {
	Inserted bool
	Merged   bool
	// Echo is true when the message id matches a write this timeline
	// originated; such messages are never treated as new.
	Echo bool
}

// Timeline is a per-chat client view model: the ordered message sequence
// plus ephemeral preview entries and the pending-write table.
type Timeline struct {
	msgs     []ledger.Message
	index    map[string]int
	previews map[ledger.Role]string // role -> preview id
	pending  map[string]WriteState
	own      map[string]bool
}

func NewTimeline() *Timeline {
	return &Timeline{
		index:    make(map[string]int),
		previews: make(map[ledger.Role]string),
		pending:  make(map[string]WriteState),
		own:      make(map[string]bool),
	}
}

// Messages returns the current ordered sequence.
func (t *Timeline) Messages() []ledger.Message {
	out := make([]ledger.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of entries, previews included.
func (t *Timeline) Len() int {
	return len(t.msgs)
}

// PendingState returns the state of an optimistic write, if any.
func (t *Timeline) PendingState(id string) (WriteState, bool) {
	st, ok := t.pending[id]
	return st, ok
}

// ApplyLocal records an optimistic local write: inserted immediately,
// tracked as pending until a confirmed copy with the same id arrives from
// the ledger or the bus.
func (t *Timeline) ApplyLocal(msg ledger.Message) ApplyResult {
	t.pending[msg.ID] = WritePending
	t.own[msg.ID] = true
	return t.apply(msg)
}

// FailLocal marks an optimistic write failed (the server rejected it).
func (t *Timeline) FailLocal(id string) {
	if _, ok := t.pending[id]; ok {
		t.pending[id] = WriteFailed
	}
}

// Apply merges one inbound message. Matching ids merge field-wise; new ids
// are inserted at their timestamp position. A real message supersedes the
// preview entry of its role.
func (t *Timeline) Apply(msg ledger.Message) ApplyResult {
	if strings.HasPrefix(msg.ID, PreviewPrefix) {
		return t.applyPreview(msg)
	}
	res := t.apply(msg)
	if st, ok := t.pending[msg.ID]; ok {
		if res.Merged && st == WritePending {
			// Confirmed copy arrived: the optimistic entry was replaced in
			// place by the id-match rule, no duplicate.
			t.pending[msg.ID] = WriteConfirmed
		}
		res.Echo = t.own[msg.ID]
	}
	return res
}

func (t *Timeline) apply(msg ledger.Message) ApplyResult {
	if pos, ok := t.index[msg.ID]; ok {
		mergeFields(&t.msgs[pos], msg)
		return ApplyResult{Merged: true, Echo: t.own[msg.ID]}
	}

	t.removePreview(msg.Role)
	t.insert(msg)
	return ApplyResult{Inserted: true, Echo: t.own[msg.ID]}
}

// SetPreview installs or replaces the preview entry for a role. At most one
// preview exists per role.
func (t *Timeline) SetPreview(role ledger.Role, content string) {
	t.applyPreview(ledger.Message{
		ID:        PreviewPrefix + string(role),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// ClearPreview removes the preview entry for a role, used when a
// typing-stopped signal arrives with no subsequent real message.
func (t *Timeline) ClearPreview(role ledger.Role) {
	t.removePreview(role)
}

func (t *Timeline) applyPreview(msg ledger.Message) ApplyResult {
	if id, ok := t.previews[msg.Role]; ok {
		pos := t.index[id]
		t.msgs[pos].Content = msg.Content
		t.msgs[pos].UpdatedAt = msg.UpdatedAt
		return ApplyResult{Merged: true}
	}
	t.previews[msg.Role] = msg.ID
	t.insert(msg)
	return ApplyResult{Inserted: true}
}

func (t *Timeline) removePreview(role ledger.Role) {
	id, ok := t.previews[role]
	if !ok {
		return
	}
	delete(t.previews, role)
	pos := t.index[id]
	delete(t.index, id)
	t.msgs = append(t.msgs[:pos], t.msgs[pos+1:]...)
	t.reindex(pos)
}

// insert places the message at its timestamp position: binary search, then
// splice.
func (t *Timeline) insert(msg ledger.Message) {
	pos := sort.Search(len(t.msgs), func(i int) bool {
		if !t.msgs[i].CreatedAt.Equal(msg.CreatedAt) {
			return t.msgs[i].CreatedAt.After(msg.CreatedAt)
		}
		return t.msgs[i].ID > msg.ID
	})
	t.msgs = append(t.msgs, ledger.Message{})
	copy(t.msgs[pos+1:], t.msgs[pos:])
	t.msgs[pos] = msg
	t.reindex(pos)
}

func (t *Timeline) reindex(from int) {
	for i := from; i < len(t.msgs); i++ {
		t.index[t.msgs[i].ID] = i
	}
}

// mergeFields applies a last-writer-wins-per-field policy scoped to specific
// fields, never a whole-record overwrite. Seen flags only advance from
// false to true and never revert.
func mergeFields(dst *ledger.Message, in ledger.Message) {
	dst.Content = in.Content
	dst.Streaming = in.Streaming
	dst.UpdatedAt = in.UpdatedAt
	if in.Error != "" {
		dst.Error = in.Error
	}
	if len(in.ToolCalls) > 0 {
		dst.ToolCalls = in.ToolCalls
	}
	if in.ActivityType != "" {
		dst.ActivityType = in.ActivityType
	}
	if in.SeenByUser && !dst.SeenByUser {
		dst.SeenByUser = true
		dst.SeenByUserAt = in.SeenByUserAt
	}
	if in.SeenByAgent && !dst.SeenByAgent {
		dst.SeenByAgent = true
		dst.SeenByAgentAt = in.SeenByAgentAt
	}
	if in.DidNotFulfillQuery {
		dst.DidNotFulfillQuery = true
	}
	if in.Reasoning != "" {
		dst.Reasoning = in.Reasoning
	}
}
