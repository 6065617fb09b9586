package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Keys used when a key/value list is malformed.
const (
	danglingValueKey = "dangling"
	badKeyPrefix     = "badkey:"
)

// toFields turns logr-style alternating keys and values into zap fields.
// A zap.Field in key position is taken as is. A key that is not a string is rendered
// with fmt and prefixed with badkey: so the pair still reaches the output, and a value
// left without a key is logged under "dangling".
func toFields(keysAndValues ...any) []zap.Field {
	if len(keysAndValues) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, (len(keysAndValues)+1)/2)
	rest := keysAndValues
	for len(rest) > 0 {
		if f, ok := rest[0].(zap.Field); ok {
			fields = append(fields, f)
			rest = rest[1:]
			continue
		}
		if len(rest) == 1 {
			fields = append(fields, field(danglingValueKey, rest[0]))
			break
		}

		key, ok := rest[0].(string)
		if !ok {
			key = badKeyPrefix + fmt.Sprint(rest[0])
		}
		fields = append(fields, field(key, rest[1]))
		rest = rest[2:]
	}
	return fields
}

// field picks a zap constructor for val. zap.Any already covers the builtin scalars,
// so only the types it would reflect over, or print differently, are listed.
func field(key string, val any) zap.Field {
	switch v := val.(type) {
	case error:
		return zap.NamedError(key, v)
	case time.Time:
		return zap.Time(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case []byte:
		// Raw JSON frames read better as text than base64.
		return zap.ByteString(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	default:
		return zap.Any(key, v)
	}
}
