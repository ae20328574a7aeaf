package assistant

// chatHistory keeps the most recent messages, oldest first.
type chatHistory struct {
	size     int
	nextID   int
	messages []Message
}

func newChatHistory(size int) *chatHistory {
	if size < 2 {
		size = 2
	}

	return &chatHistory{size: size}
}

func (h *chatHistory) add(msg Message) Message {
	msg.ID = h.nextID
	h.nextID++

	if len(h.messages) >= h.size {
		h.messages = append(h.messages[1:], msg)
	} else {
		h.messages = append(h.messages, msg)
	}

	return msg
}

// clear drops the messages. Ids keep counting so old references never match new messages.
func (h *chatHistory) clear() {
	h.messages = nil
}

func (h *chatHistory) find(id int) (Message, bool) {
	for _, msg := range h.messages {
		if msg.ID == id {
			return msg, true
		}
	}

	return Message{}, false
}

func (h *chatHistory) snapshot() []Message {
	result := make([]Message, len(h.messages))
	copy(result, h.messages)
	return result
}
