package bot

import (
	"fmt"

	"github.com/quailyquaily/personabot/transport"
)

// Key derives the session key for one chat identity. The kind prefix keeps
// the group and private numeric id namespaces apart: the same number as a
// group id and as a user id must never share a session.
func Key(kind transport.ChatKind, chatID int64) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("chat kind is invalid: %q", kind)
	}
	if chatID == 0 {
		return "", fmt.Errorf("chat id is required")
	}
	return fmt.Sprintf("%s:%d", kind, chatID), nil
}
