package server

import (
	"fmt"
	"strings"

	pb "github.com/gogo/protobuf/proto"
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

func logProtobuf(p pb.Message) string {
	return p.String()
}

func (ctx *Context) connIdString(size int) string {
	return fmt.Sprintf("%s node%d/%d %d B", ctx.Opcode(), ctx.orig_rq.Sender, ctx.orig_rq.SeqNum, size)
}

func (ctx *Context) rpclogErr(err error) {
	if ctx.logger != nil {
		ctx.logger.Info(log_ERROR.String(), zap.String("call", ctx.connIdString(0)), zap.Error(err))
	}
}

func (ctx *Context) rpclog(t rpclog_type, size int, data string) {
	if ctx.logger != nil {
		if (ctx.log_state == 0 && t == log_REQUEST) ||
			(ctx.log_state == 1 && t == log_RESPONSE) {

			ctx.logger.Info(t.String(), zap.String("call", ctx.connIdString(size)), zap.String("data", data))
			ctx.log_state++
		}
	}
}

func (ctx *Context) rpclogPB(p pb.Message, t rpclog_type) {
	if ctx.logger != nil {
		ctx.rpclog(t, pb.Size(p), logProtobuf(p))
	}
}

func (ctx *Context) rpclogRaw(b []byte, t rpclog_type) {
	if ctx.logger != nil {
		ctx.rpclog(t, len(b), logString(b))
	}
}
