package client

import (
	"fmt"

	"github.com/dermesser/rdmarpc/server"
)

// Status of a finished invocation as seen by the caller.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusNotFound
	StatusNotOK
	StatusServerError
	StatusLoadshed
	StatusTimeout
	StatusClientNetworkError
	StatusClientRequestError
	StatusPeerFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "STATUS_UNKNOWN"
	case StatusOK:
		return "STATUS_OK"
	case StatusNotFound:
		return "STATUS_NOT_FOUND"
	case StatusNotOK:
		return "STATUS_NOT_OK"
	case StatusServerError:
		return "STATUS_SERVER_ERROR"
	case StatusLoadshed:
		return "STATUS_LOADSHED"
	case StatusTimeout:
		return "STATUS_TIMEOUT"
	case StatusClientNetworkError:
		return "STATUS_CLIENT_NETWORK_ERROR"
	case StatusClientRequestError:
		return "STATUS_CLIENT_REQUEST_ERROR"
	case StatusPeerFailed:
		return "STATUS_PEER_FAILED"
	case StatusCancelled:
		return "STATUS_CANCELLED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

func fromServerStatus(s server.Status) Status {
	switch s {
	case server.StatusOK:
		return StatusOK
	case server.StatusNotFound:
		return StatusNotFound
	case server.StatusNotOK:
		return StatusNotOK
	case server.StatusServerError:
		return StatusServerError
	case server.StatusLoadshed:
		return StatusLoadshed
	default:
		return StatusUnknown
	}
}

type RequestError struct {
	status Status
	err    error
}

func (e *RequestError) Error() string {
	if e.err != nil {
		return e.status.String() + ": " + e.err.Error()
	} else {
		return e.Status()
	}
}

func (e *RequestError) Unwrap() error {
	return e.err
}

/*
Returns one of

	STATUS_UNKNOWN (default value; this means that the RequestError object hasn't been initialized)
	STATUS_NOT_FOUND (no handler is registered for the opcode at the peer)
	STATUS_NOT_OK (application handler returned with an error. Message() has an error message)
	STATUS_SERVER_ERROR (the peer had a problem, e.g. the reply did not fit into a slot)
	STATUS_LOADSHED (the peer is not willing to handle any more requests right now)
	STATUS_TIMEOUT (no reply arrived before the timeout or the context deadline)
	STATUS_CLIENT_NETWORK_ERROR (the request could not be written to the peer)
	STATUS_CLIENT_REQUEST_ERROR (the request is malformed, e.g. its payload is too large)
	STATUS_PEER_FAILED (the peer left the group while the invocation was pending)
	STATUS_CANCELLED (the invocation was cancelled by the caller)

The original error message can be retrieved with Message(). Use errors.As with a *RequestError to
obtain the status.
*/
func (e *RequestError) Status() string {
	return e.status.String()
}

// Code returns the status as value.
func (e *RequestError) Code() Status {
	return e.status
}

/*
Returns a human-readable error message such as the error message of a failed handler.
*/
func (e *RequestError) Message() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}
