package queue

// Position classifies a task id against the observed head and tail.
type Position uint8

const (
	Pending Position = iota
	Consumed
)

func (p Position) String() string {
	if p == Consumed {
		return "consumed"
	}
	return "pending"
}

// JudgeHeadTailPos reports whether the task at pos has been consumed given
// the hardware head and software tail. When head has wrapped past the end
// of the ring it is numerically greater than tail, and the pending window
// is [head, depth) plus [0, tail). head == tail means the queue is drained.
func JudgeHeadTailPos(head, tail, pos uint32) Position {
	switch {
	case head < tail:
		if head > pos || pos > tail {
			return Consumed
		}
		return Pending
	case head > tail:
		if pos >= head || pos < tail {
			return Pending
		}
		return Consumed
	default:
		return Consumed
	}
}
