package content

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.UGCPolicy()

// Sanitize strips unsafe HTML from server-delivered text before it is
// handed to a view. Message bodies and room names pass through here on
// every inbound event; the server is trusted for routing, not for markup.
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(input))
}
