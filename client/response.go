package client

import (
	pb "github.com/gogo/protobuf/proto"
)

type Response struct {
	err     error
	status  Status
	payload []byte
	// sequence number of the request on the peer connection
	seq uint64
}

// Check whether the request was successful.
func (rp *Response) Ok() bool {
	return rp.err == nil && rp.status == StatusOK
}

// Returns the response payload.
func (rp *Response) Payload() []byte {
	return rp.payload
}

// SeqNum returns the sequence number the request was sent with.
func (rp *Response) SeqNum() uint64 {
	return rp.seq
}

// Unmarshals the response into msg.
func (rp *Response) GetResponseMessage(msg pb.Message) error {
	return pb.Unmarshal(rp.payload, msg)
}

// Err returns a *RequestError if the request was not successful, otherwise nil.
func (rp *Response) Err() error {
	if rp.err != nil {
		return rp.err
	}
	if rp.status != StatusOK {
		return &RequestError{status: rp.status, err: remoteError(rp.payload)}
	}
	return nil
}

// Get the error that has occurred.
//
// Special codes are returned for RPC errors, which start with prefix "RPC:".
func (rp *Response) Error() string {
	if rp.err != nil {
		return rp.err.Error()
	} else if rp.status != StatusOK {
		return "RPC:" + rp.status.String()
	} else {
		return ""
	}
}

type remoteError []byte

func (e remoteError) Error() string {
	return string(e)
}
