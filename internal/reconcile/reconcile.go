// Package reconcile merges live socket events with REST-fetched data
// into a single per-conversation view: an ordered, de-duplicated
// message list plus the unread counter and scroll decision that drive
// a chat surface. It performs no I/O; callers execute the returned
// effects against their transport and history API.
package reconcile

import (
	"sort"
	"sync"

	"github.com/minicoursera/realtime/internal/types"
)

// nearBottomThreshold is the distance in pixels from the bottom of the
// scroll container within which the viewport still counts as "at the
// bottom" for auto-scroll purposes.
const nearBottomThreshold = 100

// Viewport is a measurement of the scroll container taken by the
// caller before handing an event to the reconciler.
type Viewport struct {
	ScrollTop    int
	ScrollHeight int
	ClientHeight int
}

// NearBottom reports whether the viewport is within the auto-scroll
// threshold of the bottom.
func (v Viewport) NearBottom() bool {
	return v.ScrollHeight-v.ScrollTop-v.ClientHeight < nearBottomThreshold
}

// ConnState is the transport-level indicator surfaced to the user.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
)

func (c ConnState) String() string {
	switch c {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MergeResult reports what one merge changed.
type MergeResult struct {
	// Added holds the genuinely new messages in list order. Messages
	// whose ids were already present are absent.
	Added []types.Message
	// ScrollToBottom is the single scroll decision for the whole
	// batch. When false the viewport must not move.
	ScrollToBottom bool
	// Unread is the conversation's unread counter after the merge.
	Unread int
	// Effects to execute (at most a mark-read).
	Effects []Effect
}

type conversation struct {
	machine  Machine
	messages []types.Message
	ids      map[int]struct{}
	unread   int
	// forceScroll is set by a local send and consumed by the next
	// merge, so the sender's own message always scrolls into view
	// even if the echo arrives after the viewport drifted.
	forceScroll bool
}

// Reconciler owns the client-side conversation state for one user.
// Safe for concurrent use; socket callbacks and UI reads may race.
type Reconciler struct {
	mu sync.Mutex

	userId        int
	conversations map[int]*conversation
	// rooms the client has joined, replayed after a reconnect since
	// the server keeps no cross-connection session state
	rooms     map[string]struct{}
	connState ConnState
}

func NewReconciler(userId int) *Reconciler {
	return &Reconciler{
		userId:        userId,
		conversations: make(map[int]*conversation),
		rooms:         make(map[string]struct{}),
		connState:     ConnDisconnected,
	}
}

func (r *Reconciler) conversation(conversationId int) *conversation {
	c, ok := r.conversations[conversationId]
	if !ok {
		c = &conversation{ids: make(map[int]struct{})}
		r.conversations[conversationId] = c
	}
	return c
}

// State returns the lifecycle state of the conversation surface.
func (r *Reconciler) State(conversationId int) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[conversationId]
	if !ok {
		return StateClosed
	}
	return c.machine.State
}

// Select opens the conversation and returns the effects to execute
// (history fetch and/or room join).
func (r *Reconciler) Select(conversationId int) []Effect {
	return r.step(conversationId, EventSelect)
}

// Deselect backgrounds the conversation; unread accounting resumes.
func (r *Reconciler) Deselect(conversationId int) []Effect {
	return r.step(conversationId, EventDeselect)
}

// Close discards the conversation surface. Reopening goes through a
// full history fetch again.
func (r *Reconciler) Close(conversationId int) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[conversationId]
	if !ok {
		return nil
	}

	_, effects := Step(c.machine, EventClose, conversationId)
	for _, e := range effects {
		if e.Kind == EffectLeaveRoom {
			delete(r.rooms, e.Room)
		}
	}
	delete(r.conversations, conversationId)
	return effects
}

// JoinAcked reports the server's acknowledgement of the room join.
func (r *Reconciler) JoinAcked(conversationId int) []Effect {
	return r.step(conversationId, EventJoinAcked)
}

func (r *Reconciler) step(conversationId int, ev Event) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.conversation(conversationId)
	m, effects := Step(c.machine, ev, conversationId)
	c.machine = m

	for _, e := range effects {
		switch e.Kind {
		case EffectJoinRoom:
			r.rooms[e.Room] = struct{}{}
		case EffectLeaveRoom:
			delete(r.rooms, e.Room)
		case EffectMarkRead:
			c.unread = 0
		}
	}
	return effects
}

// HistoryLoaded merges a fetched history page and advances the state
// machine. The page is ordered oldest first; ids already seen via the
// socket path are skipped.
func (r *Reconciler) HistoryLoaded(conversationId int, page []types.Message) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.conversation(conversationId)
	for _, msg := range page {
		if _, seen := c.ids[msg.Id]; seen {
			continue
		}
		c.ids[msg.Id] = struct{}{}
		c.messages = append(c.messages, msg)
	}
	sort.Slice(c.messages, func(i, j int) bool {
		return c.messages[i].Id < c.messages[j].Id
	})

	m, effects := Step(c.machine, EventHistoryLoaded, conversationId)
	c.machine = m
	for _, e := range effects {
		if e.Kind == EffectMarkRead {
			c.unread = 0
		}
	}
	return effects
}

// SendInitiated records that the local user has sent a message in the
// conversation, forcing the next merge to scroll to the bottom.
func (r *Reconciler) SendInitiated(conversationId int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversation(conversationId).forceScroll = true
}

// SendFailed surfaces a failed local send. A send error is always
// visible, never silently swallowed.
func (r *Reconciler) SendFailed(conversationId int, message string) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversation(conversationId).forceScroll = false
	return []Effect{{Kind: EffectShowError, ConversationId: conversationId, Message: message}}
}

// MergeLive folds a batch of live messages into the conversation.
// The viewport must be measured before the call. Idempotent: a
// message id arriving twice (REST echo plus socket event, in either
// order) lands in the list exactly once.
func (r *Reconciler) MergeLive(conversationId int, viewport Viewport, batch ...types.Message) MergeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.conversation(conversationId)

	wasNearBottom := viewport.NearBottom()

	var added []types.Message
	hasOwn := false
	for _, msg := range batch {
		if _, seen := c.ids[msg.Id]; seen {
			continue
		}
		c.ids[msg.Id] = struct{}{}
		c.messages = append(c.messages, msg)
		added = append(added, msg)
		if msg.SenderId == r.userId {
			hasOwn = true
		}
	}

	res := MergeResult{Added: added}
	if len(added) == 0 {
		res.Unread = c.unread
		return res
	}

	// the list stays ordered by id even when the REST create-response
	// lands after a later socket echo
	sort.Slice(c.messages, func(i, j int) bool {
		return c.messages[i].Id < c.messages[j].Id
	})

	// one scroll decision per merge, never per message
	if wasNearBottom || hasOwn || c.forceScroll {
		res.ScrollToBottom = true
	}
	c.forceScroll = false

	active := c.machine.State == StateActive
	switch {
	case active && wasNearBottom:
		// observed immediately; counter stays at zero
		c.unread = 0
		res.Effects = append(res.Effects, Effect{Kind: EffectMarkRead, ConversationId: conversationId})
	case !active:
		for _, msg := range added {
			if msg.SenderId != r.userId {
				c.unread++
			}
		}
	}

	res.Unread = c.unread
	return res
}

// ReachedBottom reports that the viewport reached the bottom while the
// conversation is open; pending unread messages become read.
func (r *Reconciler) ReachedBottom(conversationId int) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.conversation(conversationId)
	if c.machine.State != StateActive {
		return nil
	}

	c.unread = 0
	return []Effect{{Kind: EffectMarkRead, ConversationId: conversationId}}
}

// MarkedRead confirms a completed mark-as-read call. Idempotent.
func (r *Reconciler) MarkedRead(conversationId int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversation(conversationId).unread = 0
}

// Unread returns the conversation's unread counter.
func (r *Reconciler) Unread(conversationId int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[conversationId]
	if !ok {
		return 0
	}
	return c.unread
}

// Messages returns a copy of the ordered message list.
func (r *Reconciler) Messages(conversationId int) []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[conversationId]
	if !ok {
		return nil
	}

	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// TrackJoin records a non-conversation room join (course, study) so
// it is replayed after a reconnect.
func (r *Reconciler) TrackJoin(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[room] = struct{}{}
}

// TrackLeave removes a room from the replay set.
func (r *Reconciler) TrackLeave(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, room)
}

// ConnState returns the connection indicator.
func (r *Reconciler) ConnState() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connState
}

// Connected marks the transport established and returns the join
// effects replaying every previously-joined room, sorted for
// deterministic replay order.
func (r *Reconciler) Connected() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connState = ConnConnected

	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	effects := make([]Effect, 0, len(rooms))
	for _, room := range rooms {
		effects = append(effects, Effect{Kind: EffectJoinRoom, Room: room})
	}
	return effects
}

// Disconnected marks the transport lost. Joined rooms are retained
// for replay on the next Connected.
func (r *Reconciler) Disconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connState == ConnConnected {
		r.connState = ConnReconnecting
		return
	}
	r.connState = ConnDisconnected
}
