package dstore_client

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EscapeValue makes an attribute printable: control bytes and backslashes
// become \XX hex escapes.
func EscapeValue(v string) string {
	return bytesToEscapedValue([]byte(v))
}

func bytesToEscapedValue(v []byte) string {
	var sb strings.Builder
	for _, by := range v {
		if by < 32 || by == '\\' {
			sb.WriteString(fmt.Sprintf("\\%02X", by))
		} else {
			sb.WriteByte(by)
		}
	}
	return sb.String()
}

// UnescapeValue reverses EscapeValue. A backslash that isn't followed by
// two hex digits is kept as is.
func UnescapeValue(v string) string {
	unescaped := make([]byte, 0, len(v))

	pos := 0
	for pos < len(v) {
		by := v[pos]
		if by == '\\' && pos+3 <= len(v) {
			decoded, err := hex.DecodeString(v[pos+1 : pos+3])
			if err == nil {
				by = decoded[0]
				pos += 2
			}
		}
		unescaped = append(unescaped, by)
		pos++
	}

	return string(unescaped)
}
