package session

// State is the lifecycle state of a Negotiator.
type State int

const (
	StateIdle         State = iota // never started
	StateNegotiating               // peer acquired, building the offer
	StateGatheringICE              // local description applied, waiting for gathering
	StateOfferSent                 // offer posted, waiting for the answer
	StateConnected                 // answer applied
	StateFailed                    // a step failed; peer already released
	StateClosing                   // Stop called, peer released after the grace delay
	StateClosed                    // peer released
)

var stateNames = [...]string{
	StateIdle:         "IDLE",
	StateNegotiating:  "NEGOTIATING",
	StateGatheringICE: "GATHERING_ICE",
	StateOfferSent:    "OFFER_SENT",
	StateConnected:    "CONNECTED",
	StateFailed:       "FAILED",
	StateClosing:      "CLOSING",
	StateClosed:       "CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// CanStart reports whether Start is accepted in state s. The viewer's start
// control is enabled exactly when this holds.
func (s State) CanStart() bool {
	return s == StateIdle || s == StateFailed || s == StateClosed
}

// negotiating reports whether s is one of the in-flight negotiation steps.
func (s State) negotiating() bool {
	return s == StateNegotiating || s == StateGatheringICE || s == StateOfferSent
}
