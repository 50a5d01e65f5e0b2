package relay

const (
	messageTypeAuth   = "auth"
	messageTypeUpdate = "update"
	messageTypePing   = "ping"
	messageTypePong   = "pong"
	messageTypeAck    = "ack"
	messageTypeError  = "error"

	statusPending = "pending"
	statusSuccess = "success"
	statusError   = "error"
	statusBlocked = "blocked"
)

// WebSocket close codes sent by the relay.
const (
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseBlocked         = 4001
	CloseSuperseded      = 4002
	CloseDeleted         = 4003
)

type inboundMessage struct {
	Type   string         `json:"type"`
	APIKey string         `json:"api_key"`
	State  map[string]any `json:"state"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func authFrame(status, message string) outboundMessage {
	return outboundMessage{Type: messageTypeAuth, Status: status, Message: message}
}

func ackFrame(status, message string) outboundMessage {
	return outboundMessage{Type: messageTypeAck, Status: status, Message: message}
}

func errorFrame(message string) outboundMessage {
	return outboundMessage{Type: messageTypeError, Status: statusError, Message: message}
}

func pongFrame() outboundMessage {
	return outboundMessage{Type: messageTypePong}
}
