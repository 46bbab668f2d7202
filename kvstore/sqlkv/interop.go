package sqlkv

import (
	"strconv"
	"strings"
)

type interop struct {
	blobType             string
	generateBindingSpots func(start, n int) string
}

var sqliteInterop = interop{
	blobType: "blob",
	generateBindingSpots: func(_, n int) string {
		return strings.TrimSuffix(strings.Repeat("?,", n), ",")
	},
}

var postgresInterop = interop{
	blobType: "bytea",
	generateBindingSpots: func(start, n int) string {
		b := strings.Builder{}
		b.Grow(n * 3)
		end := start + n
		for i := start; i < end; i++ {
			b.WriteRune('$')
			b.WriteString(strconv.Itoa(i + 1))
			if i != end-1 {
				b.WriteRune(',')
			}
		}
		return b.String()
	},
}
