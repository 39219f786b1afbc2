package proxy

import (
	"fmt"
	"strings"
)

// hexDump renders buf as classic offset | hex | ascii lines for debug
// traces of relayed frames.
func hexDump(buf []byte) string {
	const bytesPerLine = 16

	var b strings.Builder
	for offset := 0; offset < len(buf); offset += bytesPerLine {
		line := buf[offset:]
		if len(line) > bytesPerLine {
			line = line[:bytesPerLine]
		}

		if offset > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%08x | ", offset)

		for i := 0; i < bytesPerLine; i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			if i < len(line) {
				fmt.Fprintf(&b, "%02X", line[i])
			} else {
				b.WriteString("  ")
			}
		}

		b.WriteString(" | ")
		for _, c := range line {
			if c >= 0x20 && c <= 0x7E {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
	}
	return b.String()
}
