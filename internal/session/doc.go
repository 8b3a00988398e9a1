// Package session matches signaling connections into two-party sessions keyed
// by a six digit access code.
//
// The Registry owns the code→Session map. Each Session carries its own mutex so
// joins and leaves on unrelated codes never contend. Lock order is registry
// then session; removal releases the session lock before it takes the registry
// lock to delete an emptied session.
//
// Join order is the negotiation role: the first-seated occupant is the one told
// that a peer arrived, and is therefore the one that creates the offer.
package session
