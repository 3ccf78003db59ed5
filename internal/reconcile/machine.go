package reconcile

import "fmt"

// State is the lifecycle phase of a conversation surface.
type State int

const (
	StateClosed State = iota
	StateLoading
	StateActive
	StateBackground
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateBackground:
		return "background"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is an input to the conversation state machine.
type Event int

const (
	// EventSelect opens the conversation surface.
	EventSelect Event = iota
	// EventHistoryLoaded reports the initial history page fetch.
	EventHistoryLoaded
	// EventJoinAcked reports the room join acknowledgement.
	EventJoinAcked
	// EventDeselect reports the surface losing visibility or the user
	// switching to another conversation.
	EventDeselect
	// EventClose discards the surface and its cached state.
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventSelect:
		return "select"
	case EventHistoryLoaded:
		return "history_loaded"
	case EventJoinAcked:
		return "join_acked"
	case EventDeselect:
		return "deselect"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

type EffectKind int

const (
	EffectFetchHistory EffectKind = iota
	EffectJoinRoom
	EffectLeaveRoom
	EffectMarkRead
	EffectScrollToBottom
	EffectShowError
)

// Effect is a side effect requested by a transition or a merge. The
// caller executes effects; the machine never performs I/O itself.
type Effect struct {
	Kind           EffectKind
	ConversationId int
	Room           string
	Message        string
}

// Machine is the per-conversation state machine. The zero value is a
// closed conversation. Values are immutable; Step returns a new one.
type Machine struct {
	State State

	// loading gates, both must hold before the surface activates
	historyLoaded bool
	joinAcked     bool

	// cached marks history already fetched in a previous activation,
	// allowing background->active without a refetch
	cached bool
}

// Step applies one event and returns the successor machine plus the
// effects the caller must execute. Unexpected events leave the machine
// unchanged with no effects.
func Step(m Machine, ev Event, conversationId int) (Machine, []Effect) {
	room := conversationRoom(conversationId)

	switch m.State {
	case StateClosed:
		if ev == EventSelect {
			m.State = StateLoading
			m.historyLoaded = false
			m.joinAcked = false
			return m, []Effect{
				{Kind: EffectFetchHistory, ConversationId: conversationId},
				{Kind: EffectJoinRoom, ConversationId: conversationId, Room: room},
			}
		}

	case StateLoading:
		switch ev {
		case EventHistoryLoaded:
			m.historyLoaded = true
		case EventJoinAcked:
			m.joinAcked = true
		case EventDeselect:
			m.State = StateBackground
			return m, []Effect{{Kind: EffectLeaveRoom, ConversationId: conversationId, Room: room}}
		case EventClose:
			return Machine{}, []Effect{{Kind: EffectLeaveRoom, ConversationId: conversationId, Room: room}}
		}

		if m.historyLoaded && m.joinAcked {
			m.State = StateActive
			m.cached = true
			return m, []Effect{
				{Kind: EffectMarkRead, ConversationId: conversationId},
				{Kind: EffectScrollToBottom, ConversationId: conversationId},
			}
		}
		return m, nil

	case StateActive:
		switch ev {
		case EventDeselect:
			m.State = StateBackground
			return m, []Effect{{Kind: EffectLeaveRoom, ConversationId: conversationId, Room: room}}
		case EventClose:
			return Machine{}, []Effect{{Kind: EffectLeaveRoom, ConversationId: conversationId, Room: room}}
		}

	case StateBackground:
		switch ev {
		case EventSelect:
			if m.cached {
				// cached history is reused, no refetch
				m.State = StateActive
				return m, []Effect{
					{Kind: EffectJoinRoom, ConversationId: conversationId, Room: room},
					{Kind: EffectMarkRead, ConversationId: conversationId},
				}
			}
			m.State = StateLoading
			m.historyLoaded = false
			m.joinAcked = false
			return m, []Effect{
				{Kind: EffectFetchHistory, ConversationId: conversationId},
				{Kind: EffectJoinRoom, ConversationId: conversationId, Room: room},
			}
		case EventClose:
			return Machine{}, nil
		}
	}

	return m, nil
}

func conversationRoom(conversationId int) string {
	return fmt.Sprintf("conversation:%d", conversationId)
}
