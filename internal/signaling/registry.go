package signaling

import (
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
)

// RoomCapacity is the maximum number of peers in a room.
const RoomCapacity = 2

// Outbox delivers messages to one connected client.
//
// Send must not block: a client that cannot accept a message right away
// returns an error wrapping ErrDelivery. Close releases the underlying
// connection and is safe to call more than once.
type Outbox interface {
	Send(Message) error
	Close()
}

// Session is one client connection. Its room binding is owned by the Registry
// and guarded by the Registry's lock.
type Session struct {
	id         string
	remoteAddr string
	out        Outbox
	reg        *Registry

	roomID string
	peerID string
	closed bool
	// evicted is set when a delivery failed. The connection is going away, so
	// the session may not rejoin or relay while its reader drains.
	evicted bool
}

func (s *Session) ID() string { return s.id }

// Binding returns the room and peer id the session is joined as, or empty
// strings when it is not in a room.
func (s *Session) Binding() (roomID, peerID string) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.roomID, s.peerID
}

type room struct {
	id      string
	members map[string]*Session
}

type RegistryOptions struct {
	// MaxRooms caps concurrently open rooms. 0 means unlimited.
	MaxRooms int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Registry owns all rooms and sessions. Every mutation and every outbound
// message enqueue happens under a single lock, so each client observes room
// events in the order they were applied.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[*Session]struct{}
	closed   bool

	maxRooms int
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		rooms:    make(map[string]*room),
		sessions: make(map[*Session]struct{}),
		maxRooms: opts.MaxRooms,
		log:      logger,
		metrics:  opts.Metrics,
	}
}

// Open registers a new unjoined session delivering through out. After Close,
// the returned session's outbox is closed immediately.
func (r *Registry) Open(out Outbox, remoteAddr string) *Session {
	s := &Session{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		out:        out,
		reg:        r,
	}

	r.mu.Lock()
	if r.closed {
		s.closed = true
		r.mu.Unlock()
		out.Close()
		return s
	}
	r.sessions[s] = struct{}{}
	r.mu.Unlock()

	r.metrics.Inc(metrics.ConnectionsOpened)
	r.log.Debug("signaling_session_opened", "conn_id", s.id, "remote_addr", remoteAddr)
	return s
}

// Join admits s to roomID as peerID.
//
// On success the joiner receives "joined", existing occupants receive
// "peer-joined", and when the room reaches capacity every occupant receives
// "ready". A full room rejects every join. Otherwise a peerID already present
// in the room is replaced by s and the previous session is unbound.
func (r *Registry) Join(s *Session, roomID, peerID string) error {
	if roomID == "" || peerID == "" {
		return protocolError(ErrValidation, CodeValidation, "Room ID and Peer ID are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.closed || s.evicted {
		return nil
	}
	if s.roomID != "" {
		return protocolError(ErrAlreadyJoined, CodeAlreadyJoined, "Already joined room %s; leave first", s.roomID)
	}

	rm := r.rooms[roomID]
	if rm == nil {
		if r.maxRooms > 0 && len(r.rooms) >= r.maxRooms {
			r.metrics.Inc(metrics.JoinRejectedQuota)
			return protocolError(ErrTooManyRooms, CodeTooManyRooms, "Too many rooms (maximum %d)", r.maxRooms)
		}
		rm = &room{id: roomID, members: make(map[string]*Session, RoomCapacity)}
		r.rooms[roomID] = rm
		r.metrics.Inc(metrics.RoomsCreated)
		r.log.Debug("room_created", "room_id", roomID)
	}

	if len(rm.members) >= RoomCapacity {
		r.metrics.Inc(metrics.JoinRejectedFull)
		r.log.Info("join_rejected_room_full", "room_id", roomID, "peer_id", peerID, "conn_id", s.id)
		return errRoomFull
	}

	if prev := rm.members[peerID]; prev != nil {
		prev.roomID, prev.peerID = "", ""
		r.log.Info("peer_replaced", "room_id", roomID, "peer_id", peerID, "conn_id", s.id, "prev_conn_id", prev.id)
	}
	rm.members[peerID] = s
	s.roomID, s.peerID = roomID, peerID
	size := len(rm.members)

	r.metrics.Inc(metrics.JoinAccepted)
	r.log.Info("peer_joined", "room_id", roomID, "peer_id", peerID, "conn_id", s.id, "room_size", size)

	r.deliverLocked(rm, s, Message{Type: TypeJoined, RoomID: roomID, PeerID: peerID, RoomSize: size})
	r.broadcastLocked(roomID, Message{Type: TypePeerJoined, PeerID: peerID, RoomSize: size}, s)
	if r.rooms[roomID] == rm && len(rm.members) == RoomCapacity {
		r.broadcastLocked(roomID, Message{Type: TypeReady, Message: readyMessage}, nil)
	}
	return nil
}

// Relay forwards an offer, answer or ice-candidate to every other occupant of
// the sender's room. The payload is passed through untouched with fromPeerId
// added.
func (r *Registry) Relay(s *Session, req RelayRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.closed || s.evicted {
		return nil
	}
	if s.roomID == "" {
		return protocolError(ErrNotJoined, CodeNotJoined, "Join a room before sending %s", req.Kind)
	}
	if req.RoomID != s.roomID {
		return protocolError(ErrNotJoined, CodeNotJoined, "Not a member of room %s", req.RoomID)
	}

	msg := Message{Type: req.Kind, FromPeerID: s.peerID, TargetPeerID: req.TargetPeerID}
	switch req.Kind {
	case TypeOffer:
		msg.Offer = req.Payload
	case TypeAnswer:
		msg.Answer = req.Payload
	case TypeICECandidate:
		msg.Candidate = req.Payload
	default:
		return protocolError(ErrUnknownType, CodeUnknownType, "Unknown message type: %s", req.Kind)
	}

	n := r.broadcastLocked(s.roomID, msg, s)
	r.metrics.Add(metrics.MessagesRelayed, uint64(n))
	r.log.Debug("message_relayed", "type", string(req.Kind), "room_id", s.roomID, "peer_id", s.peerID, "delivered", n)
	return nil
}

// Leave removes s from roomID (its own room when roomID is empty) and always
// acknowledges with "left". Leaving a room the session is not in only
// acknowledges.
func (r *Registry) Leave(s *Session, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.closed || s.evicted {
		return
	}
	if roomID == "" {
		roomID = s.roomID
	}
	if roomID != "" && roomID == s.roomID {
		r.removeLocked(s)
	}
	if err := s.out.Send(Message{Type: TypeLeft, RoomID: roomID}); err != nil {
		r.log.Debug("leave_ack_failed", "conn_id", s.id, "err", err)
	}
}

// Disconnect runs the leave cleanup for a closed connection and forgets the
// session. It is idempotent.
func (r *Registry) Disconnect(s *Session) {
	r.mu.Lock()
	if s.closed {
		r.mu.Unlock()
		return
	}
	s.closed = true
	r.removeLocked(s)
	delete(r.sessions, s)
	r.mu.Unlock()

	s.out.Close()
	r.metrics.Inc(metrics.ConnectionsClosed)
	r.log.Debug("signaling_session_closed", "conn_id", s.id, "remote_addr", s.remoteAddr)
}

// Handle applies one parsed request from s, replying with an error message
// when it is rejected.
func (r *Registry) Handle(s *Session, req Request) {
	var err error
	switch req := req.(type) {
	case JoinRequest:
		err = r.Join(s, req.RoomID, req.PeerID)
	case RelayRequest:
		err = r.Relay(s, req)
	case LeaveRequest:
		r.Leave(s, req.RoomID)
	default:
		err = protocolError(ErrUnknownType, CodeUnknownType, "Unknown message type: %s", req.Type())
	}
	if err != nil {
		r.ReplyError(s, err)
	}
}

// Reply sends msg to s alone.
func (r *Registry) Reply(s *Session, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.out.Send(msg); err != nil {
		r.log.Debug("reply_failed", "conn_id", s.id, "type", string(msg.Type), "err", err)
	}
}

// ReplyError reports err to s as an "error" message.
func (r *Registry) ReplyError(s *Session, err error) {
	r.metrics.Inc(metrics.ProtocolErrors)
	msg := errorMessage(err)
	r.log.Debug("protocol_error", "conn_id", s.id, "code", msg.Code, "message", msg.Message)
	r.Reply(s, msg)
}

// removeLocked takes s out of its bound room, tells the remaining occupants
// and deletes the room when it becomes empty.
func (r *Registry) removeLocked(s *Session) {
	roomID, peerID := s.roomID, s.peerID
	if roomID == "" {
		return
	}
	s.roomID, s.peerID = "", ""

	rm := r.rooms[roomID]
	if rm == nil {
		return
	}
	if rm.members[peerID] == s {
		delete(rm.members, peerID)
		r.metrics.Inc(metrics.PeersLeft)
		r.log.Info("peer_left", "room_id", roomID, "peer_id", peerID, "conn_id", s.id, "room_size", len(rm.members))
		r.broadcastLocked(roomID, Message{Type: TypePeerLeft, PeerID: peerID, RoomSize: len(rm.members)}, nil)
	}
	r.deleteIfEmptyLocked(rm)
}

// broadcastLocked sends msg to every occupant of roomID except exclude and
// returns how many deliveries succeeded. Occupants whose delivery fails are
// evicted without notifying anyone.
func (r *Registry) broadcastLocked(roomID string, msg Message, exclude *Session) int {
	rm := r.rooms[roomID]
	if rm == nil {
		r.log.Debug("broadcast_room_missing", "room_id", roomID, "type", string(msg.Type))
		return 0
	}

	sent := 0
	for _, peerID := range sortedPeerIDs(rm) {
		member := rm.members[peerID]
		if member == exclude {
			continue
		}
		if r.deliverLocked(rm, member, msg) {
			sent++
		}
	}
	r.deleteIfEmptyLocked(rm)
	return sent
}

// deliverLocked sends msg to a room member, evicting it on failure.
func (r *Registry) deliverLocked(rm *room, member *Session, msg Message) bool {
	err := member.out.Send(msg)
	if err == nil {
		return true
	}

	r.metrics.Inc(metrics.DeliveryFailures)
	if rm.members[member.peerID] == member {
		delete(rm.members, member.peerID)
		r.metrics.Inc(metrics.PeersEvicted)
	}
	r.log.Warn("peer_evicted", "room_id", rm.id, "peer_id", member.peerID, "conn_id", member.id, "type", string(msg.Type), "err", err)
	member.roomID, member.peerID = "", ""
	member.evicted = true
	member.out.Close()
	return false
}

func (r *Registry) deleteIfEmptyLocked(rm *room) {
	if len(rm.members) > 0 || r.rooms[rm.id] != rm {
		return
	}
	delete(r.rooms, rm.id)
	r.metrics.Inc(metrics.RoomsDeleted)
	r.log.Debug("room_deleted", "room_id", rm.id)
}

func sortedPeerIDs(rm *room) []string {
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Rooms int
	// Members counts peers across all rooms.
	Members int
	// Sessions counts open connections, joined or not.
	Sessions int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Rooms: len(r.rooms), Sessions: len(r.sessions)}
	for _, rm := range r.rooms {
		st.Members += len(rm.members)
	}
	return st
}

// Members returns the sorted peer ids in roomID, or nil when the room does not
// exist.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	return sortedPeerIDs(rm)
}

// Close closes every session's outbox and rejects sessions opened afterwards.
// Connection handlers observe the closed transport and call Disconnect.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	outs := make([]Outbox, 0, len(r.sessions))
	for s := range r.sessions {
		outs = append(outs, s.out)
	}
	r.mu.Unlock()

	for _, out := range outs {
		out.Close()
	}
}
