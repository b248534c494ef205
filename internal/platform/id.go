package platform

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const shortIDLength = 6

func NewID() string {
	return uuid.New().String()
}

// WorkerTag names one worker goroutine: node, slot and a per-start suffix so
// restarted workers are distinguishable in job rows.
func WorkerTag(node string, slot int) string {
	return fmt.Sprintf("%s/w%d-%s", node, slot, shortID())
}

func shortID() string {
	b := make([]byte, shortIDLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	for i := range b {
		b[i] = shortIDAlphabet[b[i]%byte(len(shortIDAlphabet))]
	}
	return string(b)
}
