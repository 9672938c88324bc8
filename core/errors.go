package canopy

import "fmt"

// ErrorCode is Canopy's stable cross-zone error code space. These values
// MUST NOT change meaning once assigned, since they cross the wire.
type ErrorCode int32

const (
	// OK indicates success.
	OK ErrorCode = 0
	// ErrCodeObjectNotFound indicates a shared reference's target could not be
	// located -- always a bug, since a shared reference is supposed to keep
	// its target alive.
	ErrCodeObjectNotFound ErrorCode = iota + 1000
	// ErrCodeObjectGone indicates an optimistic reference's target is gone --
	// an expected, documented outcome of the optimistic ownership model.
	ErrCodeObjectGone
	// ErrCodeInvalidInterfaceID indicates the requested interface is not
	// implemented by the target object_stub.
	ErrCodeInvalidInterfaceID
	// ErrCodeInvalidData indicates malformed or inconsistent call data.
	ErrCodeInvalidData
	// ErrCodeInvalidVersion indicates the callee does not support the
	// requested protocol version.
	ErrCodeInvalidVersion
	// ErrCodeIncompatibleService indicates the callee cannot serve the
	// request at the requested version; like ErrCodeInvalidVersion, it makes
	// the service_proxy retry at the next older version.
	ErrCodeIncompatibleService
	// ErrCodeZoneNotFound indicates no route (service_proxy or transport)
	// exists to the requested destination zone.
	ErrCodeZoneNotFound
	// ErrCodeZoneNotSupported indicates the destination zone is known but the
	// requested operation is not supported there.
	ErrCodeZoneNotSupported
	// ErrCodeTransportError indicates the underlying transport failed.
	ErrCodeTransportError
	// ErrCodeReferenceCountError indicates a refcount invariant was violated
	// (e.g. a release with no matching add_ref, or a release that would take
	// a count below zero). A spurious object_released is clamped silently
	// and does not produce this code.
	ErrCodeReferenceCountError
	// ErrCodeNeedMoreMemory indicates the caller's output buffer was too
	// small; CallError.Required carries the size needed.
	ErrCodeNeedMoreMemory
	// ErrCodeCallCancelled indicates the call was cancelled, typically by
	// transport shutdown.
	ErrCodeCallCancelled
	// ErrCodeSecurityError indicates a security-policy rejection.
	ErrCodeSecurityError
	// ErrCodeProxyDeserialisationError indicates a proxy failed to decode a
	// reply payload.
	ErrCodeProxyDeserialisationError
)

var errorCodeNames = map[ErrorCode]string{
	OK:                               "OK",
	ErrCodeObjectNotFound:            "OBJECT_NOT_FOUND",
	ErrCodeObjectGone:                "OBJECT_GONE",
	ErrCodeInvalidInterfaceID:        "INVALID_INTERFACE_ID",
	ErrCodeInvalidData:               "INVALID_DATA",
	ErrCodeInvalidVersion:            "INVALID_VERSION",
	ErrCodeIncompatibleService:       "INCOMPATIBLE_SERVICE",
	ErrCodeZoneNotFound:              "ZONE_NOT_FOUND",
	ErrCodeZoneNotSupported:          "ZONE_NOT_SUPPORTED",
	ErrCodeTransportError:            "TRANSPORT_ERROR",
	ErrCodeReferenceCountError:       "REFERENCE_COUNT_ERROR",
	ErrCodeNeedMoreMemory:            "NEED_MORE_MEMORY",
	ErrCodeCallCancelled:             "CALL_CANCELLED",
	ErrCodeSecurityError:             "SECURITY_ERROR",
	ErrCodeProxyDeserialisationError: "PROXY_DESERIALISATION_ERROR",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR(%d)", int32(c))
}

// CallError is the normalized error type that crosses a Marshaller
// boundary: a stable ErrorCode plus a human-readable, logger-prefixed
// message. Local abstractions may use ordinary Go errors, but anything
// returned from a send/post/add_ref/release/try_cast implementation is
// expected to be (or wrap) a *CallError so the code survives the hop.
type CallError struct {
	Code ErrorCode
	Msg  string
	// Required is set only for ErrCodeNeedMoreMemory: the buffer size the
	// caller must retry with.
	Required int
}

func (e *CallError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewCallError builds a *CallError with a formatted message.
func NewCallError(code ErrorCode, format string, args ...interface{}) *CallError {
	return &CallError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NeedMoreMemory builds an ErrCodeNeedMoreMemory error carrying the required size.
func NeedMoreMemory(required int) *CallError {
	return &CallError{Code: ErrCodeNeedMoreMemory, Msg: "buffer too small", Required: required}
}

// CodeOf extracts the ErrorCode from err, treating nil as OK and any error
// that isn't a *CallError as an opaque ErrCodeTransportError: nothing but a
// *CallError should legitimately cross a transport boundary, so this is a
// defensive default rather than an expected path.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	if ce, ok := err.(*CallError); ok {
		return ce.Code
	}
	return ErrCodeTransportError
}
