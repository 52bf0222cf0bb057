package types

// Event is a structured record of a state change, suitable for indexing and
// for streaming to the dashboard layer.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
