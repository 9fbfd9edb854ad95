package server

/*
* This file implements the built-in endpoints: Health, which responds with an empty body
* and OK unless the server is in lameduck/loadshed mode, and Ping.
 */

// Returns a handler function that returns OK and an empty body
// iff the server is not in lameduck/loadshed mode, otherwise a NOT_OK status.
func (srv *Server) makeHealthHandler() Handler {
	return func(ctx *Context) {
		if !srv.lameduck_state.Load() && !srv.loadshed_state.Load() {
			ctx.Success([]byte{})
		} else {
			ctx.Fail("Lameduck mode")
		}
	}
}

func pingHandler(ctx *Context) {
	ctx.Success([]byte{})
}
