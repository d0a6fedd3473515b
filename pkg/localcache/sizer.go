package localcache

import (
	"encoding/json"
)

// Sized is implemented by values that know their approximate footprint.
type Sized interface {
	Size() int64
}

// unsizedFallback is charged for values the estimator cannot encode.
const unsizedFallback = 1024

// EstimateSize approximates the memory held by v: byte and string lengths,
// Sized.Size, otherwise the length of its JSON encoding.
func EstimateSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	case Sized:
		return x.Size()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return unsizedFallback
		}
		return int64(len(b))
	}
}
