package provider

import (
	"errors"
	"fmt"
	"io/fs"

	"go.bug.st/serial"
)

// PermissionDeniedCode is the ErrorObject code for denied access to a
// location or telemetry source.
const PermissionDeniedCode = 2

// ErrorObject is the error record delivered to the owning service.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// PermissionDenied builds the error object for a denied access. A nil err
// yields a generic message.
func PermissionDenied(err error) *ErrorObject {
	msg := "permission denied"
	if err != nil {
		msg = err.Error()
	}
	return &ErrorObject{Code: PermissionDeniedCode, Message: msg}
}

// IsPermissionError reports whether err means the process may not access
// the device: fs permission errors and serial ports that refuse to open.
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == serial.PermissionDenied
	}
	return false
}
