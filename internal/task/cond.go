package task

// Condition is the semantic comparison a conditional task branches on.
type Condition uint8

const (
	CondEqual Condition = iota
	CondNotEqual
	CondGreater
	CondGreaterOrEqual
	CondLess
	CondLessOrEqual
)

func (c Condition) String() string {
	switch c {
	case CondEqual:
		return "EQUAL"
	case CondNotEqual:
		return "NOT_EQUAL"
	case CondGreater:
		return "GREATER"
	case CondGreaterOrEqual:
		return "GREATER_OR_EQUAL"
	case CondLess:
		return "LESS"
	case CondLessOrEqual:
		return "LESS_OR_EQUAL"
	default:
		return "UNKNOWN"
	}
}

func (c Condition) Valid() bool {
	return c <= CondLessOrEqual
}

// Conditions lists every semantic condition.
func Conditions() []Condition {
	return []Condition{CondEqual, CondNotEqual, CondGreater, CondGreaterOrEqual, CondLess, CondLessOrEqual}
}
