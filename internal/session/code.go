package session

import "errors"

// CodeLen is the number of digits in an access code.
const CodeLen = 6

var (
	// ErrInvalidCode reports an access code that is not exactly six ASCII digits.
	ErrInvalidCode = errors.New("invalid access code")

	// ErrRoomFull reports a join against a session that already has two occupants.
	ErrRoomFull = errors.New("room is full")
)

// ValidCode reports whether code is exactly six ASCII digits. Unicode digits
// from other scripts are rejected.
func ValidCode(code string) bool {
	if len(code) != CodeLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
