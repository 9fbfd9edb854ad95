package client

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type rpclog_type int

const (
	log_REQUEST rpclog_type = iota
	log_RESPONSE
	log_ERROR
)

func (t rpclog_type) String() string {
	switch t {
	case log_REQUEST:
		return "REQ"
	case log_RESPONSE:
		return "RSP"
	case log_ERROR:
		return "ERR"
	default:
		return ""
	}
}

func transformRuneToPrintable(r rune) rune {
	if r >= 32 && r < 127 {
		return r
	}
	return '.'
}

func logString(str []byte) string {
	return strings.Map(transformRuneToPrintable, string(str))
}

func (cl *Client) connIdString(rq *Request, size int) string {
	return fmt.Sprintf("%s/%s->node%d %s #%d %d B:", cl.name, rq.rpcid, rq.peer, rq.opcode, rq.handle.SeqNum, size)
}

func (cl *Client) rpclogErr(rq *Request, err error) {
	if cl.rpclogger != nil {
		cl.rpclogger.Info(log_ERROR.String(), zap.String("call", cl.connIdString(rq, 0)), zap.Error(err))
	}
}

func (cl *Client) rpclogRaw(rq *Request, b []byte, t rpclog_type) {
	if cl.rpclogger != nil {
		cl.rpclogger.Info(t.String(), zap.String("call", cl.connIdString(rq, len(b))), zap.String("data", logString(b)))
	}
}
