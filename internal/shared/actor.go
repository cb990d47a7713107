package shared

import (
	"net/http"
	"strconv"
)

// ActorHeader names the header identifying the acting user. Authentication
// happens upstream; the gateway injects the verified user id here.
const ActorHeader = "X-Actor-ID"

// ActorFromRequest extracts the acting user id from the request.
// Returns 0 when absent or malformed; mutating services reject actor 0.
func ActorFromRequest(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.Header.Get(ActorHeader), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
