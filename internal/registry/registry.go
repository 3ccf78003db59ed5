package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"sync"

	"github.com/minicoursera/realtime/internal/types"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPersonal
	KindCourse
	KindConversation
	KindStudy
)

func PersonalRoom(userId int) string       { return fmt.Sprintf("user:%d", userId) }
func CourseRoom(courseId int) string       { return fmt.Sprintf("course:%d", courseId) }
func ConversationRoom(convId int) string   { return fmt.Sprintf("conversation:%d", convId) }
func StudyRoom(sessionId int) string       { return fmt.Sprintf("study:%d", sessionId) }

// RoomKind derives the kind from the room's name prefix. The name
// string is the room's identity; there is no persistent room row.
func RoomKind(room string) Kind {
	prefix, _, ok := strings.Cut(room, ":")
	if !ok {
		return KindUnknown
	}

	switch prefix {
	case "user":
		return KindPersonal
	case "course":
		return KindCourse
	case "conversation":
		return KindConversation
	case "study":
		return KindStudy
	default:
		return KindUnknown
	}
}

// Connection is one authenticated socket. A user may hold several
// concurrent connections (multi-tab, multi-device).
type Connection struct {
	Id          string
	Identity    types.Identity
	ConnectedAt time.Time
}

type entry struct {
	conn  Connection
	rooms map[string]struct{}
}

// Registry tracks which connections belong to which broadcast rooms.
// It is the single shared mutable resource: every mutating operation
// runs as a short critical section under one mutex, and reads for
// fan-out and presence counts snapshot the member set before
// iterating.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
	conns map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]*entry),
	}
}

type JoinResult struct {
	Room string
	// Already reports a repeated join, which leaves membership
	// unchanged.
	Already bool
	// FirstForUser is set when the joining user had no other
	// connection in the room.
	FirstForUser bool
	// CreatedRoom is set when this join brought the room into
	// existence.
	CreatedRoom bool
	// Users is the distinct-user count after the join.
	Users int
}

type LeaveResult struct {
	Room      string
	WasMember bool
	// LastForUser is set when the leaving user has no remaining
	// connections in the room.
	LastForUser bool
	// RemovedRoom is set when this leave emptied the room.
	RemovedRoom bool
	// Users is the distinct-user count after the leave.
	Users int
}

func (r *Registry) Register(conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.Id]; ok {
		return fmt.Errorf("connection %q already registered", conn.Id)
	}

	r.conns[conn.Id] = &entry{
		conn:  conn,
		rooms: make(map[string]struct{}),
	}
	return nil
}

func (r *Registry) Connection(connId string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connId]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

func (r *Registry) Join(connId, room string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connId]
	if !ok {
		return JoinResult{}, fmt.Errorf("connection %q not registered", connId)
	}

	res := JoinResult{Room: room}
	if _, ok := e.rooms[room]; ok {
		res.Already = true
		res.Users = r.countLocked(room)
		return res, nil
	}

	res.FirstForUser = !r.userInRoomLocked(e.conn.Identity.UserId, room)

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
		res.CreatedRoom = true
	}
	members[connId] = struct{}{}
	e.rooms[room] = struct{}{}

	res.Users = r.countLocked(room)
	return res, nil
}

func (r *Registry) Leave(connId, room string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connId]
	if !ok {
		return LeaveResult{}, fmt.Errorf("connection %q not registered", connId)
	}

	return r.leaveLocked(e, room), nil
}

func (r *Registry) leaveLocked(e *entry, room string) LeaveResult {
	res := LeaveResult{Room: room}
	if _, ok := e.rooms[room]; !ok {
		// leave for a room never joined is a no-op
		res.Users = r.countLocked(room)
		return res
	}

	res.WasMember = true
	delete(e.rooms, room)

	if members, ok := r.rooms[room]; ok {
		delete(members, e.conn.Id)
		if len(members) == 0 {
			delete(r.rooms, room)
			res.RemovedRoom = true
		}
	}

	res.LastForUser = !r.userInRoomLocked(e.conn.Identity.UserId, room)
	res.Users = r.countLocked(room)
	return res
}

// DisconnectCleanup removes the connection from every room it had
// joined and drops it from all indexes. O(number of rooms the
// connection had joined); afterwards the connection id appears in
// zero membership sets.
func (r *Registry) DisconnectCleanup(connId string) []LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connId]
	if !ok {
		return nil
	}

	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	results := make([]LeaveResult, 0, len(rooms))
	for _, room := range rooms {
		results = append(results, r.leaveLocked(e, room))
	}

	delete(r.conns, connId)
	return results
}

// Snapshot copies the room's current member set so that a join or
// leave arriving mid-broadcast cannot corrupt or skip delivery.
func (r *Registry) Snapshot(room string) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}

	conns := make([]Connection, 0, len(members))
	for connId := range members {
		if e, ok := r.conns[connId]; ok {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// CountInRoom returns the number of distinct users with at least one
// live connection in the room, not the raw connection count.
func (r *Registry) CountInRoom(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.countLocked(room)
}

func (r *Registry) countLocked(room string) int {
	members, ok := r.rooms[room]
	if !ok {
		return 0
	}

	users := make(map[int]struct{}, len(members))
	for connId := range members {
		if e, ok := r.conns[connId]; ok {
			users[e.conn.Identity.UserId] = struct{}{}
		}
	}
	return len(users)
}

func (r *Registry) userInRoomLocked(userId int, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}

	for connId := range members {
		if e, ok := r.conns[connId]; ok && e.conn.Identity.UserId == userId {
			return true
		}
	}
	return false
}

// Rooms returns the rooms the connection is currently a member of.
func (r *Registry) Rooms(connId string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connId]
	if !ok {
		return nil
	}

	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// NumConnections returns the number of registered connections.
func (r *Registry) NumConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conns)
}

// NumRooms returns the number of rooms with at least one member.
func (r *Registry) NumRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rooms)
}
