package ids

import (
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// New returns a fresh persistent identifier.
func New() string {
	return primitive.NewObjectID().Hex()
}

// Valid reports whether id has the persistent identifier shape.
// Only lowercase and uppercase hex of length 24 are accepted.
func Valid(id string) bool {
	return primitive.IsValidObjectID(id)
}

// Normalize lowercases a valid id and reports whether it was valid.
func Normalize(id string) (string, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return "", false
	}
	return oid.Hex(), true
}

// ConnectionID identifies a live transport connection.
func ConnectionID() string {
	return uuid.NewString()
}

// ShortChatID is the human shareable chat reference, e.g. "CH-4F1A9C2B".
func ShortChatID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "CH-" + strings.ToUpper(raw[:8])
}
