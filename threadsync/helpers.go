package threadsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/types"
)

// signature identifies transcript content for change detection. Metadata
// stamps and event messages do not contribute.
func signature(msgs []*types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m == nil || compaction.IsEventMessage(m) {
			continue
		}
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(string(m.Role))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(m.Parts)))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(compaction.MessageText(m))))
		b.WriteByte('|')
	}
	return b.String()
}

// conversationMessages drops compression event messages.
func conversationMessages(msgs []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil && !compaction.IsEventMessage(m) {
			out = append(out, m)
		}
	}
	return out
}

type pinKey struct {
	ID       string
	PinnedAt time.Time
	PinnedBy compaction.PinnedBy
	Reason   string
}

func pinKeys(pins []compaction.PinnedMessage) []pinKey {
	keys := make([]pinKey, 0, len(pins))
	for _, p := range pins {
		by := p.PinnedBy
		if by == "" {
			by = compaction.PinnedByUser
		}
		keys = append(keys, pinKey{ID: p.ID, PinnedAt: p.PinnedAt.UTC(), PinnedBy: by, Reason: p.Reason})
	}
	return keys
}

// samePins compares pins by identity and pin facts, ignoring the embedded
// message copies.
func samePins(a, b []compaction.PinnedMessage) bool {
	ka, kb := pinKeys(a), pinKeys(b)
	if len(ka) != len(kb) {
		return false
	}
	byID := make(map[string]pinKey, len(kb))
	for _, k := range kb {
		byID[k.ID] = k
	}
	for _, k := range ka {
		other, ok := byID[k.ID]
		if !ok || !cmp.Equal(k, other) {
			return false
		}
	}
	return true
}

// usageChanged reports a meaningful usage change; UpdatedAt is ignored.
func usageChanged(prev, next *compaction.Usage) bool {
	return !compaction.EqualUsage(prev, next)
}

// sameMessages reports whether a and b hold equivalent messages in the
// same order.
func sameMessages(a, b []*types.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !compaction.EquivalentMessages(a[i], b[i]) {
			return false
		}
	}
	return true
}

func indexOf(msgs []*types.Message, id string) int {
	for i, m := range msgs {
		if m != nil && m.ID == id {
			return i
		}
	}
	return -1
}

func findModel(models []compaction.Model, id string) *compaction.Model {
	for i := range models {
		if models[i].ID == id {
			m := models[i]
			return &m
		}
	}
	return nil
}

// decodePersisted decodes the thread metadata value. An absent or null
// value means no compaction state.
func decodePersisted(raw json.RawMessage) (*compaction.PersistedState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var ps compaction.PersistedState
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("decode persisted compression state: %w", err)
	}
	return &ps, nil
}
