package engine

import (
	"crypto/rand"

	"github.com/dmitro3/flipnosis/internal/models"
)

// CryptoFlip draws a coin outcome from crypto/rand. Resolution is
// computed once on the server and broadcast once; clients never flip
// independently.
func CryptoFlip() models.Choice {
	var b [1]byte
	_, _ = rand.Read(b[:])
	if b[0]&1 == 0 {
		return models.ChoiceHeads
	}
	return models.ChoiceTails
}
