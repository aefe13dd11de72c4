package cache

// Sized is implemented by values that know their own memory footprint.
type Sized interface {
	SizeBytes() int64
}

// Sizer estimates the memory footprint of a cached value in bytes.
type Sizer[V any] func(value V) int64

// DefaultValueCost is charged for values the default sizer cannot measure.
const DefaultValueCost int64 = 256

// DefaultSizer measures []byte and string by length, asks Sized values
// directly and charges DefaultValueCost for anything else.
func DefaultSizer[V any]() Sizer[V] {
	return func(value V) int64 {
		switch v := any(value).(type) {
		case []byte:
			return int64(len(v))
		case string:
			return int64(len(v))
		case Sized:
			if n := v.SizeBytes(); n > 0 {
				return n
			}
			return 0
		default:
			return DefaultValueCost
		}
	}
}

// FixedSizer charges the same cost for every value.
func FixedSizer[V any](cost int64) Sizer[V] {
	return func(V) int64 { return cost }
}
