package bluetooth

import "errors"

var (
	// ErrDeviceNotFound means no paired BlueZ device matched the
	// configured name or address.
	ErrDeviceNotFound = errors.New("bluetooth: recorder device not found")

	// ErrCharacteristicsNotFound means the device connected but did not
	// expose the recorder service with both required characteristics.
	ErrCharacteristicsNotFound = errors.New("bluetooth: recorder characteristics not found")

	// ErrNotConnected is returned by session operations when no session
	// is established.
	ErrNotConnected = errors.New("bluetooth: not connected")
)

// Transport is the session's view of one established recorder link.
// Implementations deliver inbound notification chunks in arrival order
// and close the channel on link loss or Close.
type Transport interface {
	// WriteCommand writes data to the recorder's command
	// characteristic. Writes may come from any goroutine; callers are
	// expected to serialize them.
	WriteCommand(data []byte) error

	// Notifications returns the inbound chunk stream. Each chunk is an
	// independent copy owned by the receiver.
	Notifications() <-chan []byte

	// Device identifies the connected peripheral.
	Device() (address, name string)

	// Close tears the link down and closes the notification channel.
	// It is safe to call more than once.
	Close() error
}
