package session

import (
	"time"

	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
	"github.com/pairpad/pairpad/backend/go/internal/v1/wire"
)

// colorPalette is the fixed set of presence colors, assigned round-robin on
// join. Matches the editor's default cursor palette.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}

// Member is a participant in a live session. It is dispatcher-owned: nothing
// outside the session goroutine reads or writes it.
type Member struct {
	client types.ClientInterface
	color  string

	cursor    *wire.Position
	selection *wire.Range

	// lastClientVersion is the highest document version this client has
	// acknowledged (advanced on ack).
	lastClientVersion int

	lastActivity time.Time
	away         bool

	// Cursor coalescing: at most one cursor-move per emit interval, the
	// latest value wins.
	lastCursorEmit time.Time
	pendingCursor  *wire.Position
	flushScheduled bool
}

func newMember(client types.ClientInterface, colorIndex int, now time.Time) *Member {
	return &Member{
		client:       client,
		color:        colorPalette[colorIndex%len(colorPalette)],
		lastActivity: now,
	}
}

func (m *Member) userInfo() wire.UserInfo {
	return wire.UserInfo{
		ConnID:      string(m.client.ConnID()),
		UserID:      string(m.client.UserID()),
		DisplayName: string(m.client.DisplayName()),
		Color:       m.color,
		Cursor:      m.cursor,
		Selection:   m.selection,
		Away:        m.away,
	}
}
