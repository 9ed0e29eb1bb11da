// ABOUTME: Token registry parsing for the webhook surface
// ABOUTME: Maps opaque tokens to destination room and display sender name

package tokens

import (
	"log/slog"
	"strings"
)

// Entry is a single registered webhook token.
type Entry struct {
	Token   string
	Room    string
	AppName string
}

// Registry is the immutable token → entry mapping plus the admin room.
type Registry struct {
	adminRoom string
	entries   map[string]Entry
}

// Parse builds a registry from the raw configuration string. Groups are
// separated by any whitespace; each group is "token,room,app_name".
// Groups with fewer than three fields, or with any field empty after
// trimming, are logged and skipped. A duplicate token overwrites the
// earlier entry (last wins). An empty or fully-invalid input yields a
// registry that authorizes no tokens; that is logged loudly but is not
// an error, since the bridge can still run and be reconfigured.
func Parse(raw string, adminRoom string, logger *slog.Logger) *Registry {
	reg := &Registry{
		adminRoom: adminRoom,
		entries:   make(map[string]Entry),
	}

	if strings.TrimSpace(raw) == "" {
		logger.Error("token registry is empty or not set")
		return reg
	}

	for _, group := range strings.Fields(raw) {
		parts := strings.SplitN(group, ",", 3)
		if len(parts) != 3 {
			logger.Warn("malformed token entry, expected 'token,room,app_name'",
				"entry", group)
			continue
		}

		token := strings.TrimSpace(parts[0])
		room := strings.TrimSpace(parts[1])
		appName := strings.TrimSpace(parts[2])
		if token == "" || room == "" || appName == "" {
			logger.Warn("incomplete token entry, skipping", "entry", group)
			continue
		}

		if _, dup := reg.entries[token]; dup {
			logger.Warn("duplicate token, last entry wins", "token", token)
		}
		reg.entries[token] = Entry{Token: token, Room: room, AppName: appName}
	}

	if len(reg.entries) == 0 {
		logger.Error("no valid token entries parsed, all webhook calls will be rejected")
	}
	return reg
}

// Lookup resolves a webhook token to its entry.
func (r *Registry) Lookup(token string) (Entry, bool) {
	entry, ok := r.entries[token]
	return entry, ok
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	return len(r.entries)
}

// KnownRooms returns the join-set: the admin room unioned with the room
// of every registered token. The session joins all of them before it
// starts syncing, so delivery never races against membership.
func (r *Registry) KnownRooms() []string {
	seen := map[string]bool{r.adminRoom: true}
	rooms := []string{r.adminRoom}
	for _, entry := range r.entries {
		if !seen[entry.Room] {
			seen[entry.Room] = true
			rooms = append(rooms, entry.Room)
		}
	}
	return rooms
}
