// Package mcpservice holds the tool registry served by the SSE transport.
//
// Tools are declared once at startup, either with a hand-written descriptor
// through TypedTool or with a schema reflected from a Go struct through
// NewTool, and registered on a ToolRegistry:
//
//	type EchoArgs struct {
//	    Text string `json:"text" jsonschema:"description=Text to echo back"`
//	}
//
//	reg := mcpservice.NewToolRegistry()
//	reg.MustRegister(mcpservice.NewTool[EchoArgs]("echo",
//	    func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText("Echo: " + r.Args().Text)
//	    },
//	    mcpservice.WithToolDescription("Echo back the input text"),
//	))
//
// The registry lists tools in registration order. Invoking an unknown name is
// not an error: it yields a single text block naming the tool. Handler
// failures, panics and per-call timeouts are reported to the client as an
// isError result rather than a protocol error.
package mcpservice
