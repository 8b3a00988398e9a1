package session

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/turnrest"
)

// MaxOccupants is the session capacity.
const MaxOccupants = 2

// Event is a presence notification delivered to an occupant's channel.
type Event int

const (
	EventPeerJoined Event = iota + 1
	EventPeerLeft
)

func (e Event) String() string {
	switch e {
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	default:
		return "unknown"
	}
}

// Channel is an occupant's outbound side. The registry calls Notify while
// holding a session lock, so implementations must not block and must not call
// back into the registry.
type Channel interface {
	Notify(Event)
	Forward(frame []byte)
}

// Occupant is one connection seated (or about to be seated) in a session.
type Occupant struct {
	ID      string
	Channel Channel

	session *Session
}

// Code returns the access code of the occupant's session, or "" when unseated.
func (o *Occupant) Code() string {
	if s := o.Session(); s != nil {
		return s.code
	}
	return ""
}

// Session returns the session the occupant is seated in, or nil.
func (o *Occupant) Session() *Session {
	if o == nil {
		return nil
	}
	return o.session
}

// Session is the two-slot matching unit for one access code.
type Session struct {
	code      string
	createdAt time.Time

	mu          sync.Mutex
	occupants   []*Occupant
	credentials map[string]turnrest.Credential
	closed      bool
}

func (s *Session) Code() string         { return s.code }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Occupants returns the seated occupants in join order.
func (s *Session) Occupants() []*Occupant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Occupant(nil), s.occupants...)
}

// Removal describes what RemoveOccupant did.
type Removal struct {
	// Credential is the leaver's tracked credential, if any.
	Credential *turnrest.Credential
	// Residual holds credentials still tracked when the session was destroyed.
	Residual []turnrest.Credential
	// Remaining is the occupant that was notified with EventPeerLeft.
	Remaining *Occupant
	// SessionDeleted is set when the leaver was the last occupant.
	SessionDeleted bool
}

type seatResult int

const (
	seated seatResult = iota
	seatFull
	seatClosed
)

// Registry maps access codes to live sessions.
type Registry struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreateSession returns the live session for code, creating it if needed.
// Repeated calls return the same *Session until it is destroyed.
func (r *Registry) GetOrCreateSession(code string) (*Session, error) {
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[code]; ok {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			return s, nil
		}
	}
	s := &Session{
		code:        code,
		createdAt:   r.now(),
		credentials: make(map[string]turnrest.Credential),
	}
	r.sessions[code] = s
	return s, nil
}

// AddOccupant seats o in s. It returns false when s already holds two
// occupants, or when s was destroyed after it was looked up.
func (r *Registry) AddOccupant(s *Session, o *Occupant) bool {
	_, res := r.seat(s, o, nil)
	return res == seated
}

func (r *Registry) seat(s *Session, o *Occupant, onSeated func(prior *Occupant)) (*Occupant, seatResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, seatClosed
	}
	if len(s.occupants) >= MaxOccupants {
		return nil, seatFull
	}
	var prior *Occupant
	if len(s.occupants) > 0 {
		prior = s.occupants[0]
	}
	s.occupants = append(s.occupants, o)
	o.session = s
	if onSeated != nil {
		onSeated(prior)
	}
	return prior, seated
}

// Join seats o in the session for code. It returns the session and the
// occupant that was already seated, which is the one to send EventPeerJoined.
//
// A non-nil onSeated runs under the session lock once o is seated, so frames
// it queues are ordered before any EventPeerLeft a concurrent removal delivers
// to o. Like Channel methods, it must not block or call back into the
// registry.
func (r *Registry) Join(code string, o *Occupant, onSeated func(prior *Occupant)) (*Session, *Occupant, error) {
	for {
		s, err := r.GetOrCreateSession(code)
		if err != nil {
			return nil, nil, err
		}
		prior, res := r.seat(s, o, onSeated)
		switch res {
		case seated:
			return s, prior, nil
		case seatFull:
			return nil, nil, ErrRoomFull
		}
		// Lost a race with the session's destruction; the next lookup
		// replaces it.
	}
}

// RemoveOccupant vacates o's seat. When one occupant remains it is notified
// with EventPeerLeft before the session lock is released. When none remain the
// session is removed from the registry. Removing an unseated occupant is a
// no-op.
func (r *Registry) RemoveOccupant(o *Occupant) Removal {
	var out Removal
	s := o.Session()
	if s == nil {
		return out
	}

	s.mu.Lock()
	idx := -1
	for i, cur := range s.occupants {
		if cur.ID == o.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return out
	}
	s.occupants = append(s.occupants[:idx], s.occupants[idx+1:]...)
	o.session = nil

	if cred, ok := s.credentials[o.ID]; ok {
		out.Credential = &cred
		delete(s.credentials, o.ID)
	}

	switch len(s.occupants) {
	case 1:
		out.Remaining = s.occupants[0]
		out.Remaining.Channel.Notify(EventPeerLeft)
	case 0:
		s.closed = true
		for _, cred := range s.credentials {
			out.Residual = append(out.Residual, cred)
		}
		s.credentials = nil
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		r.mu.Lock()
		if r.sessions[s.code] == s {
			delete(r.sessions, s.code)
		}
		r.mu.Unlock()
		out.SessionDeleted = true
	}
	return out
}

// FindPeer returns the other occupant of o's session, or nil.
func (r *Registry) FindPeer(o *Occupant) *Occupant {
	s := o.Session()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.occupants {
		if cur.ID != o.ID {
			return cur
		}
	}
	return nil
}

// TrackCredential records the credential issued to connID so it can be revoked
// when that occupant leaves.
func (r *Registry) TrackCredential(s *Session, connID string, cred turnrest.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.credentials[connID] = cred
}

// Lookup returns the live session for code.
func (r *Registry) Lookup(code string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
