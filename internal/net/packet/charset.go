package packet

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Charset converts between the client's string encoding and UTF-8.
// The zero value passes bytes through unchanged (UTF-8 clients).
type Charset struct {
	name string
	enc  encoding.Encoding
}

var (
	MS950 = Charset{name: "MS950", enc: traditionalchinese.Big5}
	GBK   = Charset{name: "GBK", enc: simplifiedchinese.GBK}
	UTF8  = Charset{name: "UTF-8"}
)

// LookupCharset resolves a [client] charset setting.
func LookupCharset(name string) (Charset, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "MS950", "BIG5", "":
		return MS950, nil
	case "GBK", "GB2312":
		return GBK, nil
	case "UTF-8", "UTF8":
		return UTF8, nil
	default:
		return Charset{}, fmt.Errorf("unsupported client charset %q", name)
	}
}

func (c Charset) String() string {
	if c.name == "" {
		return "UTF-8"
	}
	return c.name
}

// decode converts client bytes to UTF-8. Pure ASCII passes through.
func (c Charset) decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if c.enc == nil || isASCII(raw) {
		return string(raw)
	}
	decoded, err := c.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

// encode converts UTF-8 to client bytes.
func (c Charset) encode(s string) []byte {
	if c.enc == nil || isASCII([]byte(s)) {
		return []byte(s)
	}
	encoded, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return encoded
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
