// Package bencode implements a canonical bencode codec for tagged structs.
// Struct fields map to dict keys through `bencode:"..."` tags, dicts are
// written with sorted keys, and fixed-size byte arrays are supported both as
// values and as map keys. The same value always encodes to the same bytes,
// which makes the encoding safe to sign.
package bencode

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'
)
