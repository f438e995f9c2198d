package canon

import "github.com/oklog/ulid/v2"

// NewID returns a new lexicographically sortable identifier, used for
// every canon record (observations, entity events, action runs, routed
// copies). Sortability matters here specifically because replay and the
// audit trail rely on id as the timestamp tiebreaker.
func NewID() string {
	return ulid.Make().String()
}
