package envelope

import "github.com/google/uuid"

// GenerateID returns a fresh random correlation id.
func GenerateID() string {
	return uuid.NewString()
}
