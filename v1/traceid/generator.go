package traceid

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	hashiuuid "github.com/hashicorp/go-uuid"
)

// Generator produces fresh, non-empty causal ids.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() string

// NewID implements Generator.
func (f GeneratorFunc) NewID() string { return f() }

// UUIDGenerator returns random version 4 UUIDs.
type UUIDGenerator struct{}

// NewID implements Generator.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

const fallbackPrefix = "terra"

// HostGenerator returns ids of the form <host>-<unix millis>-<8 hex>, where
// host is a short prefix derived from the machine name so ids from
// different servers are told apart at a glance.
type HostGenerator struct {
	prefix string
	now    func() time.Time
}

// NewHostGenerator returns a HostGenerator. An empty prefix is derived from
// the hostname.
func NewHostGenerator(prefix string) *HostGenerator {
	if prefix == "" {
		host, _ := os.Hostname()
		prefix = hostPrefix(host)
	}
	return &HostGenerator{prefix: prefix, now: time.Now}
}

// NewID implements Generator.
func (g *HostGenerator) NewID() string {
	return fmt.Sprintf("%s-%d-%s", g.prefix, g.now().UnixMilli(), randomHex8())
}

func randomHex8() string {
	id, err := hashiuuid.GenerateUUID()
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano()&0xffffffff, 16)
	}
	return id[:8]
}

// hostPrefix keeps the first four characters of host, then drops anything
// that is not a lowercase letter or digit.
func hostPrefix(host string) string {
	if len(host) > 4 {
		host = host[:4]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(host) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallbackPrefix
	}
	return b.String()
}

var defaultGenerator Generator = NewHostGenerator("")

// Default returns the generator used when none is configured.
func Default() Generator { return defaultGenerator }
