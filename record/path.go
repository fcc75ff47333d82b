package record

import (
	"fmt"
	"strconv"
	"strings"

	"kryptonite/crypto"
)

// lookupScalar returns the value at path in rec as a string. Path segments
// step into maps by key and into lists by index.
func lookupScalar(rec map[string]any, path, delimiter string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", crypto.ErrFieldNotFound)
	}
	var cur any = rec
	for _, seg := range strings.Split(path, delimiter) {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return "", fmt.Errorf("%w: %q", crypto.ErrFieldNotFound, path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return "", fmt.Errorf("%w: %q", crypto.ErrFieldNotFound, path)
			}
			cur = v[i]
		default:
			return "", fmt.Errorf("%w: %q", crypto.ErrFieldNotFound, path)
		}
	}

	switch v := cur.(type) {
	case nil:
		return "", fmt.Errorf("%w: %q is null", crypto.ErrFieldNotFound, path)
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("%w: %q holds %T", crypto.ErrInvalidFieldReference, path, cur)
	}
}
