package file

// Channel is the data channel a transfer runs over. Implementations wrap the
// direct transport's ordered channel.
type Channel interface {
	// IsOpen reports whether the channel can carry frames
	IsOpen() bool
	// Send writes a binary message
	Send(data []byte) error
	// SendText writes a text message
	SendText(text string) error
}

// BufferedChannel is a Channel that exposes its outbound queue depth
type BufferedChannel interface {
	Channel
	BufferedAmount() uint64
}
