package review

// Command is a message accepted by Session.Dispatch
type Command interface {
	command()
}

// EditField sets a field. Money fields take display or plain text; while the
// field has focus the text only replaces the edit buffer.
type EditField struct {
	Name  string
	Value string
}

// FocusField puts a field under edit. A money field switches to its raw buffer.
type FocusField struct{ Name string }

// BlurField ends the edit of a focused field
type BlurField struct{ Name string }

// Commit sends the current fields to the executor
type Commit struct{}

// RequestDiscard asks for confirmation; nothing is sent yet
type RequestDiscard struct{}

// CancelDiscard is the "keep" answer to a discard confirmation
type CancelDiscard struct{}

// ConfirmDiscard is the "discard" answer and sends the discard
type ConfirmDiscard struct{}

// OpenZoom and CloseZoom toggle the image inspection panel
type (
	OpenZoom  struct{}
	CloseZoom struct{}
)

// ImageFailed records that the invoice image could not be shown
type ImageFailed struct{}

func (EditField) command()      {}
func (FocusField) command()     {}
func (BlurField) command()      {}
func (Commit) command()         {}
func (RequestDiscard) command() {}
func (CancelDiscard) command()  {}
func (ConfirmDiscard) command() {}
func (OpenZoom) command()       {}
func (CloseZoom) command()      {}
func (ImageFailed) command()    {}
