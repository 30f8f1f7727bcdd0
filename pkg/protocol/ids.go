package protocol

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// ShortID returns an 8-character random hex identifier, taken from
// the leading hex digits of a v4 UUID.
func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

var nameAdjectives = []string{
	"amber", "brisk", "calm", "deft", "eager", "fleet", "glad",
	"keen", "lucid", "mellow", "nimble", "quiet", "rapid", "solid",
	"swift", "vivid",
}

var nameNouns = []string{
	"otter", "heron", "lynx", "falcon", "badger", "salmon", "wren",
	"marten", "osprey", "pike", "raven", "seal", "stoat", "tern",
}

// RandomAgentName generates a human-readable adjective-noun name with
// a short numeric suffix to keep collisions unlikely.
func RandomAgentName() string {
	adj := nameAdjectives[rand.Intn(len(nameAdjectives))]
	noun := nameNouns[rand.Intn(len(nameNouns))]
	return fmt.Sprintf("%s-%s-%02d", adj, noun, rand.Intn(100))
}
