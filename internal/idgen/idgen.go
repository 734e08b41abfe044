// Package idgen implements the id generator contract consumed by the
// protocol engine: opaque strings, unique within the engine's lifetime,
// optionally shaped by a prefix, suffix, fixed length or format.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Format selects the character set idgen draws from once prefix/suffix
// and length have been accounted for.
type Format string

const (
	// FormatUUID emits a full UUIDv4, ignoring Length.
	FormatUUID Format = "uuid"
	// FormatHex emits Length hex characters drawn from a UUID's bytes,
	// repeating as needed.
	FormatHex Format = "hex"
)

// Options shapes a single Generate call.
type Options struct {
	Prefix string
	Suffix string
	Length int
	Format Format
}

// Generator mints unique opaque string identifiers.
type Generator interface {
	Generate(opts Options) string
}

// UUIDGenerator implements Generator on top of google/uuid.
type UUIDGenerator struct{}

func New() *UUIDGenerator { return &UUIDGenerator{} }

func (g *UUIDGenerator) Generate(opts Options) string {
	var body string

	switch opts.Format {
	case FormatHex:
		body = hexBody(opts.Length)
	default:
		body = uuid.NewString()
	}

	var b strings.Builder
	b.WriteString(opts.Prefix)
	b.WriteString(body)
	b.WriteString(opts.Suffix)
	return b.String()
}

func hexBody(length int) string {
	if length <= 0 {
		length = 32
	}

	var b strings.Builder
	for b.Len() < length {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:length]
}
