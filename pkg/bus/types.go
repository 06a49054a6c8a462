package bus

// InboundMessage is one raw message entering the process from an in-process
// front end such as the terminal chat.
type InboundMessage struct {
	ID       string `json:"id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	Target   string `json:"target,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

// OutboundOp is the operation an outbound message asks the front end to apply.
type OutboundOp string

const (
	OpSend   OutboundOp = "send"
	OpEdit   OutboundOp = "edit"
	OpDelete OutboundOp = "delete"
)

// OutboundMessage is one rendering instruction for an in-process front end.
type OutboundMessage struct {
	Op        OutboundOp `json:"op"`
	MessageID string     `json:"message_id"`
	ChatID    string     `json:"chat_id"`
	Kind      string     `json:"kind,omitempty"`
	Content   string     `json:"content,omitempty"`
	ReplyTo   string     `json:"reply_to,omitempty"`
}
