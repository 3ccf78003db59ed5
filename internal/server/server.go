package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/minicoursera/realtime/internal/registry"
	"github.com/minicoursera/realtime/internal/stats"
	"github.com/minicoursera/realtime/internal/store"
	"github.com/minicoursera/realtime/internal/types"
	"github.com/teris-io/shortid"
)

type handlerFunc func(c *Client, data json.RawMessage) error

// Server is the realtime gateway and broadcaster. It owns the
// connection set, dispatches inbound events to their handlers and
// fans accepted events out to the current member set of a room.
type Server struct {
	log      *log.Logger
	registry *registry.Registry
	typing   *registry.TypingTracker
	store    store.ConversationStore
	stats    stats.StatsProvider

	clients     map[string]*Client
	clientsLock sync.Mutex

	// fanOutLock serializes room fan-out so that events accepted in
	// order are queued to every member in the same order.
	fanOutLock sync.Mutex

	// includeSender selects per room kind whether the sender receives
	// its own chat_message back. Conversation surfaces rely on the
	// socket echo as the single source of truth for a just-sent
	// message.
	includeSender map[registry.Kind]bool

	handlers    map[string]handlerFunc
	sweepEvery  time.Duration
	stop        chan struct{}
	done        chan struct{}
}

func NewServer(logger *log.Logger, reg *registry.Registry, typing *registry.TypingTracker,
	cs store.ConversationStore, su stats.StatsProvider, sweepEvery time.Duration) *Server {

	s := &Server{
		log:      logger,
		registry: reg,
		typing:   typing,
		store:    cs,
		stats:    su,
		clients:  make(map[string]*Client),
		includeSender: map[registry.Kind]bool{
			registry.KindCourse:       true,
			registry.KindConversation: true,
		},
		sweepEvery: sweepEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	s.handlers = map[string]handlerFunc{
		EventJoinCourse:         s.handleJoinCourse,
		EventLeaveCourse:        s.handleLeaveCourse,
		EventJoinConversation:   s.handleJoinConversation,
		EventLeaveConversation:  s.handleLeaveConversation,
		EventChatMessage:        s.handleChatMessage,
		EventTypingStart:        s.handleTypingStart,
		EventTypingStop:         s.handleTypingStop,
		EventProgressUpdate:     s.handleProgressUpdate,
		EventJoinStudySession:   s.handleJoinStudySession,
		EventStudySessionAction: s.handleStudySessionAction,
		EventAdminBroadcast:     s.handleAdminBroadcast,
	}

	for _, metric := range []string{
		stats.ActiveConnections,
		stats.ActiveRooms,
		stats.EventsReceived,
		stats.Broadcasts,
		stats.DroppedDeliveries,
		stats.AuthFailures,
	} {
		su.RegisterMetric(metric)
	}

	return s
}

// Run drives the typing sweep: expired entries are removed and a
// synthetic "stopped typing" is emitted to each affected room.
func (s *Server) Run() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, expired := range s.typing.Sweep() {
				s.Broadcast(expired.Room, &ServerEvent{
					Event: EventUserTyping,
					Data: UserTypingPayload{
						Room:   expired.Room,
						UserId: expired.UserId,
						Typing: false,
					},
				}, nil)
			}
		case <-s.stop:
			close(s.done)
			return
		}
	}
}

// HandleConnection registers an authenticated connection, auto-joins
// its personal room and starts the read/write pumps. The identity
// was verified before this point; an unauthenticated socket never
// reaches the registry.
func (s *Server) HandleConnection(identity types.Identity, conn *websocket.Conn) (*Client, error) {
	connId, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	client := newClient(connId, identity, conn, s, s.log)
	if err := s.registry.Register(registry.Connection{
		Id:          connId,
		Identity:    identity,
		ConnectedAt: Now(),
	}); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}

	s.addClient(client)
	s.stats.Incr(stats.ActiveConnections)

	if _, err := s.joinRoom(connId, registry.PersonalRoom(identity.UserId)); err != nil {
		s.log.Printf("join personal room for %q: %v", connId, err)
	}

	client.queueEvent(&ServerEvent{
		Event: EventConnected,
		Data: ConnectedPayload{
			UserId:    identity.UserId,
			Timestamp: Now(),
		},
	})

	go client.Write()
	go client.Read()

	return client, nil
}

// dispatch routes one inbound frame to its handler. Every handler
// executes in isolation: a panic or error is converted into a scoped
// error event to the originating connection and never terminates the
// connection or affects unrelated rooms.
func (s *Server) dispatch(c *Client, raw []byte) {
	s.stats.Incr(stats.EventsReceived)

	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("panic handling event from %q: %v", c.id, r)
			c.queueEvent(ErrorEvent("internal error"))
		}
	}()

	var evt ClientEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		c.queueEvent(ErrorEvent("invalid event format"))
		return
	}

	handler, ok := s.handlers[evt.Event]
	if !ok {
		c.queueEvent(ErrorEvent(fmt.Sprintf("unknown event %q", evt.Event)))
		return
	}

	if err := handler(c, evt.Data); err != nil {
		s.log.Printf("event %q from connection %q: %v", evt.Event, c.id, err)
		c.queueEvent(ErrorEvent(err.Error()))
	}
}

// Broadcast pushes the event to each connection in a snapshot of the
// room's current member set, skipping skip when non-nil. Fan-outs
// are serialized so that for a fixed room, events accepted in order
// are observed in order by every common member. A failed push to a
// dead or slow connection is swallowed.
func (s *Server) Broadcast(room string, evt *ServerEvent, skip *Client) {
	s.fanOutLock.Lock()
	defer s.fanOutLock.Unlock()

	for _, conn := range s.registry.Snapshot(room) {
		client := s.getClient(conn.Id)
		if client == nil || client == skip {
			continue
		}

		if !client.queueEvent(evt) {
			s.stats.Incr(stats.DroppedDeliveries)
		}
	}

	s.stats.Incr(stats.Broadcasts)
}

// broadcastAll pushes the event to every connected client.
func (s *Server) broadcastAll(evt *ServerEvent) {
	s.fanOutLock.Lock()
	defer s.fanOutLock.Unlock()

	s.clientsLock.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsLock.Unlock()

	for _, client := range clients {
		if !client.queueEvent(evt) {
			s.stats.Incr(stats.DroppedDeliveries)
		}
	}

	s.stats.Incr(stats.Broadcasts)
}

// handleDisconnect removes the connection from every room it had
// joined, emitting the same membership events an explicit leave
// would, then drops it from the connection set.
func (s *Server) handleDisconnect(c *Client) {
	for _, room := range s.registry.Rooms(c.id) {
		if s.typing.Stop(room, c.identity.UserId) {
			s.Broadcast(room, &ServerEvent{
				Event: EventUserTyping,
				Data:  UserTypingPayload{Room: room, UserId: c.identity.UserId, Typing: false},
			}, c)
		}
	}

	for _, left := range s.registry.DisconnectCleanup(c.id) {
		s.emitLeave(c, left)
	}

	s.removeClient(c)
	c.stopClient()
	s.stats.Decr(stats.ActiveConnections)
	s.log.Printf("connection %q for user %d disconnected", c.id, c.identity.UserId)
}

// joinRoom joins the connection to the room, keeping the room gauge
// current.
func (s *Server) joinRoom(connId, room string) (registry.JoinResult, error) {
	res, err := s.registry.Join(connId, room)
	if err == nil && res.CreatedRoom {
		s.stats.Incr(stats.ActiveRooms)
	}
	return res, err
}

// emitLeave notifies the remaining members of a room the user fully
// left. Rooms where the user still holds another connection stay
// silent.
func (s *Server) emitLeave(c *Client, left registry.LeaveResult) {
	if left.RemovedRoom {
		s.stats.Decr(stats.ActiveRooms)
	}

	if !left.WasMember || !left.LastForUser {
		return
	}

	switch registry.RoomKind(left.Room) {
	case registry.KindCourse:
		s.Broadcast(left.Room, &ServerEvent{
			Event: EventUserLeftCourse,
			Data: CourseMembershipPayload{
				UserId:    c.identity.UserId,
				CourseId:  roomId(left.Room),
				Timestamp: Now(),
			},
		}, c)
		s.Broadcast(left.Room, &ServerEvent{
			Event: EventCourseStats,
			Data: CourseStatsPayload{
				CourseId:    roomId(left.Room),
				ActiveUsers: left.Users,
				Timestamp:   Now(),
			},
		}, c)
	case registry.KindConversation:
		s.Broadcast(left.Room, &ServerEvent{
			Event: EventConversationUpdated,
			Data: ConversationUpdatedPayload{
				ConversationId: roomId(left.Room),
				ActiveUsers:    left.Users,
				Timestamp:      Now(),
			},
		}, c)
	case registry.KindStudy:
		s.Broadcast(left.Room, &ServerEvent{
			Event: EventCourseStats,
			Data: CourseStatsPayload{
				CourseId:    roomId(left.Room),
				ActiveUsers: left.Users,
				Timestamp:   Now(),
			},
		}, c)
	}
}

func (s *Server) addClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	s.clients[c.id] = c
}

func (s *Server) removeClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	delete(s.clients, c.id)
}

func (s *Server) getClient(connId string) *Client {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	return s.clients[connId]
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsLock.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsLock.Unlock()

	for _, c := range clients {
		c.stopClient()
	}

	close(s.stop)

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
