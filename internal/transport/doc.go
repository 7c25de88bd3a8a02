// Package transport connects to the completion agent over stdio.
//
// A Transport owns the agent process and three pumps:
//
//   - reader: decodes Content-Length frames from stdout, resolves pending
//     requests by id, and hands server-initiated messages to the payload
//     handler
//   - writer: drains the unbounded outbound queue in order, flushing after
//     every frame so interactive completions are not delayed
//   - stderr: forwards diagnostic lines; its end never closes the transport
//
// Typical use:
//
//	tr, err := transport.Start(cmd,
//	    transport.WithPayloadHandler(dispatch),
//	    transport.WithCloseHandler(func(code int, err error) { ... }),
//	)
//	if err != nil {
//	    return err
//	}
//	defer tr.Close()
//
//	tr.SendRequest("checkStatus", params, func(r rpc.Response) {
//	    // runs on the reader goroutine
//	})
//
// # Shutdown
//
// Whichever side notices the end first (Close, end of stream, or a broken
// pipe) starts the same sequence: the outbound queue is closed and drained,
// stdin is closed, the agent is given a grace period, then SIGTERM, then
// SIGKILL. Once every pump has returned, requests still pending resolve
// with rpc.ErrTransportClosed and the close handler runs exactly once.
//
// Close blocks until that sequence finishes. Callbacks that run on a pump
// (payload, reply and stderr handlers) use Shutdown instead, since the pump
// they run on cannot be joined until they return. A frame larger than the
// decoder limit, or a panic inside a pump, closes the transport with an
// error rather than crashing the process.
package transport
