package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/turnrest"
)

type messageType string

const (
	messageTypeJoin         messageType = "join"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice-candidate"
	messageTypeLeave        messageType = "leave"

	messageTypePeerJoined messageType = "peer-joined"
	messageTypePeerLeft   messageType = "peer-left"
	messageTypeError      messageType = "error"
)

// ErrInvalidMessage reports an inbound frame with an unknown type, a missing
// required field or a malformed body.
var ErrInvalidMessage = errors.New("invalid message")

var errRateLimited = errors.New("rate limit exceeded")

// clientMessage is an inbound frame.
type clientMessage struct {
	Type messageType     `json:"type"`
	Code *string         `json:"code,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m clientMessage) hasData() bool {
	return len(m.Data) > 0 && !bytes.Equal(m.Data, []byte("null"))
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := decodeStrictJSON(data, &msg); err != nil {
		return clientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.Code == nil {
			return fmt.Errorf("%w: join message missing code", ErrInvalidMessage)
		}
		if m.Data != nil {
			return fmt.Errorf("%w: join message has unexpected data", ErrInvalidMessage)
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		if !m.hasData() {
			return fmt.Errorf("%w: %s message missing data", ErrInvalidMessage, m.Type)
		}
		if m.Code != nil {
			return fmt.Errorf("%w: %s message has unexpected code", ErrInvalidMessage, m.Type)
		}
	case messageTypeLeave:
		if m.Code != nil || m.Data != nil {
			return fmt.Errorf("%w: leave message has unexpected fields", ErrInvalidMessage)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// serverMessage is an outbound frame other than a relayed payload.
type serverMessage struct {
	Type  messageType `json:"type"`
	Data  *joinData   `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type joinData struct {
	ICEServers  []iceServer `json:"iceServers"`
	RelayPolicy string      `json:"relayPolicy"`
}

// iceServer is the RTCIceServer dictionary as browsers expect it.
type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func iceServerFromPion(s webrtc.ICEServer) iceServer {
	out := iceServer{
		URLs:     append([]string(nil), s.URLs...),
		Username: s.Username,
	}
	if cred, ok := s.Credential.(string); ok {
		out.Credential = cred
	}
	return out
}

// turnServer builds the TURN entry for a connection. All TURN URLs share the
// one credential.
func turnServer(urls []string, cred turnrest.Credential) webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:           append([]string(nil), urls...),
		Username:       cred.Username,
		Credential:     cred.Credential,
		CredentialType: webrtc.ICECredentialTypePassword,
	}
}

func encodeJoin(servers []webrtc.ICEServer, policy webrtc.ICETransportPolicy) ([]byte, error) {
	data := &joinData{
		ICEServers:  make([]iceServer, 0, len(servers)),
		RelayPolicy: policy.String(),
	}
	for _, s := range servers {
		data.ICEServers = append(data.ICEServers, iceServerFromPion(s))
	}
	return json.Marshal(serverMessage{Type: messageTypeJoin, Data: data})
}

func encodeError(message string) []byte {
	b, err := json.Marshal(serverMessage{Type: messageTypeError, Error: message})
	if err != nil {
		return []byte(`{"type":"error","error":"internal server error"}`)
	}
	return b
}

var (
	framePeerJoined = mustMarshal(serverMessage{Type: messageTypePeerJoined})
	framePeerLeft   = mustMarshal(serverMessage{Type: messageTypePeerLeft})
)

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// clientErrorMessage maps an error to the text sent in an error frame.
func clientErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCode):
		return "invalid access code: expected 6 digits"
	case errors.Is(err, session.ErrRoomFull):
		return "room is full"
	case errors.Is(err, errRateLimited):
		return "rate limit exceeded"
	case errors.Is(err, ErrInvalidMessage):
		return err.Error()
	case errors.Is(err, turnrest.ErrNotConfigured):
		return "relay credentials are not configured"
	default:
		return "internal server error"
	}
}

// closeReason is the close frame text for err. Control frames cap the reason
// at 123 bytes.
func closeReason(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCode):
		return "invalid code"
	case errors.Is(err, session.ErrRoomFull):
		return "room full"
	case errors.Is(err, errRateLimited):
		return "rate limit exceeded"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid message"
	case errors.Is(err, turnrest.ErrNotConfigured):
		return "not configured"
	default:
		return "internal error"
	}
}
