// Package idgen generates short URL-safe connection ids backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

var Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var Length = 10

// Connection returns an id of the form "cam-<gate>-<random>".
func Connection(gateID string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return "cam-" + gateID + "-" + id, nil
}
