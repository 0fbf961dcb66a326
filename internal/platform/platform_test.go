package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		roomName string
		members  []id.UserID
		want     string
	}{
		{
			name:     "instagram ghost member",
			roomName: "Alice",
			members:  []id.UserID{"@bridge:example.org", "@instagram_12345:example.org"},
			want:     Instagram,
		},
		{
			name:     "whatsapp ghost member",
			roomName: "Family",
			members:  []id.UserID{"@whatsapp_49170000:example.org"},
			want:     WhatsApp,
		},
		{
			name:     "facebook maps to messenger",
			roomName: "Bob",
			members:  []id.UserID{"@facebook_678:example.org"},
			want:     Messenger,
		},
		{
			name:     "member beats room name",
			roomName: "whatsapp chat",
			members:  []id.UserID{"@instagram_1:example.org"},
			want:     Instagram,
		},
		{
			name:     "falls back to room name",
			roomName: "Instagram DM with Alice",
			members:  []id.UserID{"@alice:example.org"},
			want:     Instagram,
		},
		{
			name:     "nothing matches",
			roomName: "Ops",
			members:  []id.UserID{"@alice:example.org", "@bob:example.org"},
			want:     Unknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.roomName, tc.members))
		})
	}
}
