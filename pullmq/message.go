package pullmq

// Message is a single delivery handed to the user handler. The handler owns
// the message until it returns; afterwards the session acks it and removes
// the lease.
type Message struct {
	Data       []byte
	Attributes map[string]string

	ackID string
	size  int64
	seq   uint64
}

// Seq is the session-local sequence number assigned to this delivery, for
// debugging. Redeliveries get a new number.
func (m *Message) Seq() uint64 {
	return m.seq
}

func (m *Message) String() string {
	return string(m.Data)
}
