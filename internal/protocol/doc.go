// Package protocol defines the messages exchanged between the kiln CLI and
// the kiln daemon.
//
// Every message is a single line of JSON holding an envelope with a command
// name and an optional payload. A connection carries exactly one exchange:
// the client writes a request envelope, the daemon answers with an "ok" or
// "error" envelope, and the connection is closed. Closing the connection
// before the answer arrives cancels the request on the daemon side.
//
//	{"command":"build","payload":{"project":"/src/board/kiln.toml"}}
//	{"command":"ok","payload":{"report":{"targets":[...]}}}
//
// Example usage:
//
//	c := protocol.NewClient(paths.Socket())
//	result, err := c.Build(ctx, &protocol.BuildRequest{
//	    Project: "/src/board/kiln.toml",
//	    Targets: []string{"app@board=rpi4"},
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Report.Failed())
package protocol
