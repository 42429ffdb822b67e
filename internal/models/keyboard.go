package models

// Button is one inline button; Data is the opaque payload returned when it is pressed.
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard as rows of buttons.
type Keyboard [][]Button

// Incoming is an update from the messaging platform, reduced to what the bot handles.
type Incoming struct {
	UpdateID   int
	ChatID     int64
	ChatType   string
	UserID     int64
	Username   string
	FirstName  string
	MessageID  int
	Text       string
	CallbackID string
	// Data and Keyboard are set for button presses: the pressed button's
	// payload and the keyboard of the message it belongs to.
	Data     string
	Keyboard Keyboard
}

// IsCallback reports whether the update is a button press.
func (in Incoming) IsCallback() bool {
	return in.CallbackID != ""
}
