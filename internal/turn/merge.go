package turn

import "strings"

// mergeSnapshot folds an incoming text snapshot into the current
// buffer. Backends may deliver a part as incremental full resends,
// duplicates, or out of order: an incoming snapshot that extends the
// buffer replaces it; a buffer that already extends the incoming
// snapshot wins; anything else is treated as a fresh fragment and
// concatenated. The fold is idempotent under replay.
func mergeSnapshot(current, incoming string) string {
	switch {
	case incoming == "":
		return current
	case current == "":
		return incoming
	case strings.HasPrefix(incoming, current):
		return incoming
	case strings.HasPrefix(current, incoming):
		return current
	default:
		return current + incoming
	}
}
