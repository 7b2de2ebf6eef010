package fragbench

import (
	"log/slog"
	"math/rand/v2"
	"strings"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// payloadSource hands out payloads as prefixes of one random alphanumeric
// string, so payload generation costs nothing per cycle.
type payloadSource struct {
	rng    *rand.Rand
	logger *slog.Logger
	base   string
}

func newPayloadSource(rng *rand.Rand, size int, logger *slog.Logger) *payloadSource {
	ps := &payloadSource{rng: rng, logger: logger}
	ps.base = ps.generate(size)
	return ps
}

func (ps *payloadSource) generate(n int) string {
	var buf strings.Builder
	buf.Grow(n)
	for range n {
		buf.WriteByte(alphanumeric[ps.rng.IntN(len(alphanumeric))])
	}
	return buf.String()
}

// Text returns a payload of exactly size bytes.
func (ps *payloadSource) Text(size int) string {
	if size > len(ps.base) {
		ps.logger.Warn("payload size is greater than data length", "size", size, "len", len(ps.base))
		ps.base += ps.generate(size - len(ps.base))
	}
	return ps.base[:size]
}
