package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/turnrest"
)

type recordingChannel struct {
	mu     sync.Mutex
	events []Event
	frames [][]byte
}

func (c *recordingChannel) Notify(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *recordingChannel) Forward(frame []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *recordingChannel) count(e Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.events {
		if got == e {
			n++
		}
	}
	return n
}

func newOccupant(id string) (*Occupant, *recordingChannel) {
	ch := &recordingChannel{}
	return &Occupant{ID: id, Channel: ch}, ch
}

func TestValidCode(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"482913", true},
		{"000000", true},
		{"12a45", false},
		{"12a456", false},
		{"12345", false},
		{"1234567", false},
		{"", false},
		{" 12345", false},
		{"١٢٣٤٥٦", false},
	}
	for _, tc := range cases {
		if got := ValidCode(tc.code); got != tc.want {
			t.Fatalf("ValidCode(%q)=%v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestGetOrCreateSession_Idempotent(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 50; i++ {
		code := fmt.Sprintf("%06d", i*7919)
		a, err := r.GetOrCreateSession(code)
		if err != nil {
			t.Fatalf("GetOrCreateSession(%q): %v", code, err)
		}
		b, err := r.GetOrCreateSession(code)
		if err != nil {
			t.Fatalf("GetOrCreateSession(%q): %v", code, err)
		}
		if a != b {
			t.Fatalf("GetOrCreateSession(%q) returned different sessions", code)
		}
	}
}

func TestGetOrCreateSession_InvalidCode(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.GetOrCreateSession("12a45"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err=%v, want ErrInvalidCode", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len=%d, want 0", r.Len())
	}
}

func TestGetOrCreateSession_RecordsCreationTime(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	r := NewRegistry(func() time.Time { return at })
	s, err := r.GetOrCreateSession("111111")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if !s.CreatedAt().Equal(at) {
		t.Fatalf("CreatedAt=%v, want %v", s.CreatedAt(), at)
	}
}

func TestAddOccupant_ThirdRejected(t *testing.T) {
	r := NewRegistry(nil)
	s, _ := r.GetOrCreateSession("482913")

	a, _ := newOccupant("a")
	b, _ := newOccupant("b")
	c, _ := newOccupant("c")
	if !r.AddOccupant(s, a) || !r.AddOccupant(s, b) {
		t.Fatalf("expected first two occupants to be seated")
	}
	if r.AddOccupant(s, c) {
		t.Fatalf("third AddOccupant returned true")
	}

	got := s.Occupants()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("occupants not in join order: %+v", got)
	}
	if c.Session() != nil {
		t.Fatalf("rejected occupant has a session")
	}
}

func TestJoin_ReturnsPriorOccupant(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := newOccupant("a")
	b, _ := newOccupant("b")
	c, _ := newOccupant("c")

	_, prior, err := r.Join("482913", a, nil)
	if err != nil || prior != nil {
		t.Fatalf("first join: prior=%v err=%v", prior, err)
	}
	_, prior, err = r.Join("482913", b, nil)
	if err != nil || prior != a {
		t.Fatalf("second join: prior=%v err=%v, want a", prior, err)
	}
	if _, _, err := r.Join("482913", c, nil); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join err=%v, want ErrRoomFull", err)
	}
	if r.FindPeer(a) != b || r.FindPeer(b) != a {
		t.Fatalf("FindPeer mismatch")
	}
	if a.Code() != "482913" {
		t.Fatalf("Code=%q", a.Code())
	}
}

func TestJoin_ConcurrentOnlyOneFirst(t *testing.T) {
	for iter := 0; iter < 200; iter++ {
		r := NewRegistry(nil)
		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			noPrior   int
			withPrior int
			full      int
		)
		for i := 0; i < n; i++ {
			o, _ := newOccupant(fmt.Sprintf("c%d", i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, prior, err := r.Join("555555", o, nil)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, ErrRoomFull):
					full++
				case err != nil:
					t.Errorf("Join: %v", err)
				case prior == nil:
					noPrior++
				default:
					withPrior++
				}
			}()
		}
		wg.Wait()
		if noPrior != 1 || withPrior != 1 || full != n-2 {
			t.Fatalf("iter %d: first=%d second=%d full=%d", iter, noPrior, withPrior, full)
		}
	}
}

func TestRemoveOccupant_NotifiesRemainingOnce(t *testing.T) {
	r := NewRegistry(nil)
	a, aCh := newOccupant("a")
	b, bCh := newOccupant("b")
	_, _, _ = r.Join("482913", a, nil)
	_, _, _ = r.Join("482913", b, nil)

	res := r.RemoveOccupant(b)
	if res.Remaining != a || res.SessionDeleted {
		t.Fatalf("unexpected removal: %+v", res)
	}
	if got := aCh.count(EventPeerLeft); got != 1 {
		t.Fatalf("peer-left count=%d, want 1", got)
	}
	if got := bCh.count(EventPeerLeft); got != 0 {
		t.Fatalf("leaver got peer-left")
	}

	// Removing twice has no further effect.
	r.RemoveOccupant(b)
	if got := aCh.count(EventPeerLeft); got != 1 {
		t.Fatalf("peer-left count after double remove=%d, want 1", got)
	}

	res = r.RemoveOccupant(a)
	if !res.SessionDeleted {
		t.Fatalf("expected session to be deleted")
	}
	if _, ok := r.Lookup("482913"); ok {
		t.Fatalf("session still present")
	}
	if r.Len() != 0 {
		t.Fatalf("Len=%d, want 0", r.Len())
	}
}

func TestRemoveOccupant_SessionRecreatedFresh(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := newOccupant("a")
	first, _, _ := r.Join("482913", a, nil)
	r.RemoveOccupant(a)

	b, _ := newOccupant("b")
	second, prior, err := r.Join("482913", b, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if second == first {
		t.Fatalf("destroyed session was reused")
	}
	if prior != nil {
		t.Fatalf("fresh session reported a prior occupant")
	}
}

func TestAddOccupant_DestroyedSessionRejected(t *testing.T) {
	r := NewRegistry(nil)
	s, _ := r.GetOrCreateSession("123456")
	a, _ := newOccupant("a")
	r.AddOccupant(s, a)
	r.RemoveOccupant(a)

	b, _ := newOccupant("b")
	if r.AddOccupant(s, b) {
		t.Fatalf("AddOccupant succeeded on a destroyed session")
	}
	fresh, _ := r.GetOrCreateSession("123456")
	if fresh == s {
		t.Fatalf("GetOrCreateSession returned destroyed session")
	}
}

func TestCredentialTracking(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := newOccupant("a")
	b, _ := newOccupant("b")
	s, _, _ := r.Join("482913", a, nil)
	_, _, _ = r.Join("482913", b, nil)

	credA := turnrest.Credential{Username: "100:a", Credential: "x", ExpiryUnix: 100}
	credB := turnrest.Credential{Username: "100:b", Credential: "y", ExpiryUnix: 100}
	r.TrackCredential(s, a.ID, credA)
	r.TrackCredential(s, b.ID, credB)
	// A credential for an id that was never seated only surfaces as residual.
	credGhost := turnrest.Credential{Username: "100:ghost", ExpiryUnix: 100}
	r.TrackCredential(s, "ghost", credGhost)

	res := r.RemoveOccupant(a)
	if res.Credential == nil || *res.Credential != credA {
		t.Fatalf("Credential=%v, want %v", res.Credential, credA)
	}
	if len(res.Residual) != 0 {
		t.Fatalf("unexpected residual: %v", res.Residual)
	}

	res = r.RemoveOccupant(b)
	if res.Credential == nil || *res.Credential != credB {
		t.Fatalf("Credential=%v, want %v", res.Credential, credB)
	}
	if len(res.Residual) != 1 || res.Residual[0] != credGhost {
		t.Fatalf("Residual=%v, want [%v]", res.Residual, credGhost)
	}
}

func TestRemoveOccupant_Unseated(t *testing.T) {
	r := NewRegistry(nil)
	o, _ := newOccupant("a")
	if res := r.RemoveOccupant(o); res.SessionDeleted || res.Remaining != nil {
		t.Fatalf("unexpected removal for unseated occupant: %+v", res)
	}
	if r.FindPeer(o) != nil {
		t.Fatalf("FindPeer on unseated occupant returned a peer")
	}
}

func TestConcurrentJoinLeaveChurn(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := fmt.Sprintf("%06d", i%4)
			for j := 0; j < 100; j++ {
				o, _ := newOccupant(fmt.Sprintf("%d-%d", i, j))
				if _, _, err := r.Join(code, o, nil); err != nil {
					continue
				}
				r.RemoveOccupant(o)
			}
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("Len=%d after churn, want 0", r.Len())
	}
}

func TestJoin_HookRunsOnlyWhenSeated(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := newOccupant("a")
	b, _ := newOccupant("b")
	c, _ := newOccupant("c")

	var priors []*Occupant
	hook := func(prior *Occupant) { priors = append(priors, prior) }

	if _, _, err := r.Join("482913", a, hook); err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if _, _, err := r.Join("482913", b, hook); err != nil {
		t.Fatalf("Join b: %v", err)
	}
	if _, _, err := r.Join("482913", c, hook); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Join c err=%v, want ErrRoomFull", err)
	}

	if len(priors) != 2 || priors[0] != nil || priors[1] != a {
		t.Fatalf("hook priors=%v, want [nil a]", priors)
	}
}
