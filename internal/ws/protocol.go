package ws

type MessageType string

const (
	MsgQR     MessageType = "qr"
	MsgStatus MessageType = "status"
)

// Message is one frame on the realtime channel.
type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func QRMessage(artifact string) Message {
	return Message{Type: MsgQR, Payload: artifact}
}

func StatusMessage(status, text string) Message {
	return Message{Type: MsgStatus, Payload: StatusPayload{Status: status, Message: text}}
}
