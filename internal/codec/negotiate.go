package codec

import "strings"

// Encoding selects the wire format for a location submission.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingBinary
	EncodingCompact
)

// Content types the location endpoint negotiates.
const (
	ContentTypeBinary  = "application/octet-stream"
	ContentTypeCompact = "application/x-raahi-compact"
	ContentTypeJSON    = "application/json"
)

// Negotiate maps an Accept (or Content-Type) header to an encoding.
// Anything unrecognized falls back to standard JSON.
func Negotiate(header string) Encoding {
	for _, part := range strings.Split(header, ",") {
		media := strings.TrimSpace(part)
		if i := strings.IndexByte(media, ';'); i >= 0 {
			media = strings.TrimSpace(media[:i])
		}
		switch media {
		case ContentTypeBinary:
			return EncodingBinary
		case ContentTypeCompact:
			return EncodingCompact
		}
	}
	return EncodingJSON
}

// ContentType returns the MIME type for an encoding.
func (e Encoding) ContentType() string {
	switch e {
	case EncodingBinary:
		return ContentTypeBinary
	case EncodingCompact:
		return ContentTypeCompact
	default:
		return ContentTypeJSON
	}
}
