// Package requestid assigns request ids to management API requests.
package requestid

import "github.com/google/uuid"

// Header is the request id header read from requests and echoed on responses.
const Header = "X-Request-ID"

// maxLen caps client-supplied ids so arbitrary junk is not echoed back.
const maxLen = 64

// FromHeader returns the inbound request id when the client supplied a usable
// one, else a fresh uuid.
func FromHeader(inbound string) string {
	if inbound != "" && len(inbound) <= maxLen {
		return inbound
	}
	return uuid.New().String()
}
