package approval

import (
	"fmt"
	"strings"
	"time"
)

// RenderPrompt is the text a human sees when a connector has no native
// approval flow.
func RenderPrompt(req *Request) string {
	var b strings.Builder
	who := req.Requester.Label
	if who == "" {
		who = req.AgentID
	}
	if req.Requester.Kind != "" {
		who = fmt.Sprintf("%s (%s)", who, req.Requester.Kind)
	}
	fmt.Fprintf(&b, "Permission request from %s\n", who)
	if req.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", req.Reason)
	}
	if req.Message != "" {
		fmt.Fprintf(&b, "Message: %s\n", req.Message)
	}
	b.WriteString("Requested:\n")
	for _, a := range req.Permissions {
		fmt.Fprintf(&b, "  - %s (%s)\n", a.Describe(), a.String())
	}
	fmt.Fprintf(&b, "Token: %s\n", req.Token)
	if !req.TimeoutAt.IsZero() {
		fmt.Fprintf(&b, "Expires: %s\n", req.TimeoutAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("Reply approve or deny, with scope now or always.")
	return b.String()
}
