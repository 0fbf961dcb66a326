// ABOUTME: Room platform classification for bridged chat networks
// ABOUTME: Infers the source network from bridge bot membership or the room name

package platform

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// Known platform identifiers.
const (
	Instagram = "instagram"
	Messenger = "messenger"
	WhatsApp  = "whatsapp"
	Unknown   = "unknown"
)

// memberPatterns map user-id substrings to platforms. Membership is the
// stronger signal: bridge ghost accounts carry their network in the
// localpart regardless of what the room is called.
var memberPatterns = []struct {
	substr   string
	platform string
}{
	{"instagram", Instagram},
	{"messenger", Messenger},
	{"facebook", Messenger},
	{"whatsapp", WhatsApp},
}

// Classify determines which bridged network a room belongs to, from its
// members first and its display name second.
func Classify(name string, members []id.UserID) string {
	for _, member := range members {
		m := strings.ToLower(string(member))
		for _, p := range memberPatterns {
			if strings.Contains(m, p.substr) {
				return p.platform
			}
		}
	}

	n := strings.ToLower(name)
	for _, p := range memberPatterns {
		if strings.Contains(n, p.substr) {
			return p.platform
		}
	}
	return Unknown
}
