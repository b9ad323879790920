package cabin

// Event is produced by an exit or an agent during a tick and dispatched by the
// Cabin before the next entity updates.
type Event interface {
	isEvent()
}

// QueueJoined is emitted when a negotiating exit takes an agent into its queue.
// The agent stops moving until the exit releases it.
type QueueJoined struct {
	Exit  int `json:"exit"`
	Agent int `json:"agent"`
}

// ExitDecided tells one agent the true status of an exit.
type ExitDecided struct {
	Exit        int  `json:"exit"`
	Agent       int  `json:"agent"`
	Functioning bool `json:"functioning"`
	// Front is true when the agent was taken from the front of the queue.
	Front bool `json:"front"`
}

// RumorHeard carries a broken-exit warning from one agent to a peer in range.
type RumorHeard struct {
	From int `json:"from"`
	To   int `json:"to"`
	Exit int `json:"exit"`
}

func (QueueJoined) isEvent() {}
func (ExitDecided) isEvent() {}
func (RumorHeard) isEvent()  {}
