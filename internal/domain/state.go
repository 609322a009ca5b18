package domain

// State is the lifecycle state of a pipeline or one of its elements.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// StateChangeReturn is the result of a requested state change.
type StateChangeReturn int

const (
	StateChangeFailure StateChangeReturn = iota
	StateChangeSuccess
	StateChangeAsync
	StateChangeNoPreroll
)

func (r StateChangeReturn) String() string {
	switch r {
	case StateChangeSuccess:
		return "success"
	case StateChangeAsync:
		return "async"
	case StateChangeNoPreroll:
		return "no-preroll"
	default:
		return "failure"
	}
}

// BundlePolicy controls how media lines share transports.
type BundlePolicy string

const (
	BundlePolicyBalanced  BundlePolicy = "balanced"
	BundlePolicyMaxCompat BundlePolicy = "max-compat"
	BundlePolicyMaxBundle BundlePolicy = "max-bundle"
)

// Direction is the direction of a transceiver.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
)

// CodecCaps describes the single codec a transceiver is declared with.
type CodecCaps struct {
	Media        string // "video" or "audio"
	EncodingName string
	PayloadType  uint8
	ClockRate    uint32
	Profile      string
}

// MessageType classifies bus messages.
type MessageType int

const (
	MessageEOS MessageType = iota
	MessageError
	MessageWarning
	MessageStateChanged
	MessageLatency
)

func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageStateChanged:
		return "state-changed"
	case MessageLatency:
		return "latency"
	default:
		return "unknown"
	}
}

// Message is posted on a pipeline bus by the pipeline or its elements.
type Message struct {
	Type MessageType
	// Source is the name of the posting element.
	Source string
	// FromPipeline is set when the pipeline itself posted the message.
	FromPipeline bool

	// Old and New are set on MessageStateChanged.
	Old, New State

	// Err and Debug are set on MessageError and MessageWarning.
	Err   error
	Debug string
}
