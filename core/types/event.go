package types

// Event is the wire-friendly representation of a state change broadcast to
// subscribers and the settlement journal.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
