package types

// Event is the durable wire representation of a state transition. Off-chain
// consumers (indexers, webhooks, websocket streams) see exactly this shape,
// so attribute names are part of the compatibility surface.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy so downstream consumers cannot mutate shared
// attribute maps.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	copied := &Event{Type: e.Type}
	if e.Attributes != nil {
		copied.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			copied.Attributes[k] = v
		}
	}
	return copied
}
