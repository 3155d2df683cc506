package pydoll

// Error is a pydoll error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error kinds. This is the closed set of errors this package raises
// itself; browser-returned protocol errors are surfaced verbatim via
// *cdproto.Error instead of being wrapped in one of these.
const (
	// ErrInvalidBrowserURL is returned when the /json endpoint is
	// unreachable or returns a malformed payload.
	ErrInvalidBrowserURL Error = "invalid browser url"

	// ErrWebSocketConnectionClosed is returned when the socket dropped
	// and reconnection exhausted its attempt budget.
	ErrWebSocketConnectionClosed Error = "websocket connection closed"

	// ErrInvalidCommand is returned when a command could not be
	// serialized to the wire envelope.
	ErrInvalidCommand Error = "invalid command"

	// ErrCommandExecutionTimeout is returned when a command's deadline
	// elapses before a reply arrives.
	ErrCommandExecutionTimeout Error = "command execution timed out"

	// ErrElementNotFound is returned when an immediate-lookup selector
	// yielded nothing.
	ErrElementNotFound Error = "element not found"

	// ErrWaitElementTimeout is returned when a polling lookup's deadline
	// elapses without a match.
	ErrWaitElementTimeout Error = "timed out waiting for element"

	// ErrElementNotVisible is returned when an interaction precondition
	// failed because the element is hidden.
	ErrElementNotVisible Error = "element not visible"

	// ErrElementNotInteractable is returned when a JS-level click
	// succeeded at the protocol level but was rejected by the page.
	ErrElementNotInteractable Error = "element not interactable"

	// ErrElementNotAFileInput is returned when SetInputFiles is called
	// on an element that is not a file input.
	ErrElementNotAFileInput Error = "element is not a file input"

	// ErrInvalidIFrame is returned when frame resolution or isolated
	// world creation failed.
	ErrInvalidIFrame Error = "invalid iframe"

	// ErrNotAnIFrame is returned when GetFrame is invoked on a non
	// iframe element.
	ErrNotAnIFrame Error = "element is not an iframe"

	// ErrNetworkEventsNotEnabled is returned when network log access is
	// attempted without first enabling network events.
	ErrNetworkEventsNotEnabled Error = "network events not enabled"

	// ErrInvalidScriptWithElement is returned when ExecuteScript's
	// argument contract is violated (argument without WithElement, or
	// vice versa).
	ErrInvalidScriptWithElement Error = "invalid script/element argument pairing"

	// ErrNoDialogPresent is returned when a dialog accessor is called
	// with an empty dialog slot.
	ErrNoDialogPresent Error = "no dialog present"

	// ErrTopLevelTargetRequired is returned when an operation that
	// requires the top-level target (e.g. full-page screenshot) is
	// attempted on an iframe Tab.
	ErrTopLevelTargetRequired Error = "operation requires the top level target"

	// ErrPageLoadTimeout is returned when a navigation wait exceeds its
	// budget.
	ErrPageLoadTimeout Error = "page load timed out"

	// ErrDownloadTimeout is returned when an expected download did not
	// complete in time.
	ErrDownloadTimeout Error = "download timed out"

	// ErrInvalidFileExtension is returned when a screenshot path's
	// extension is not one of png, jpg or jpeg.
	ErrInvalidFileExtension Error = "invalid screenshot file extension"
)
