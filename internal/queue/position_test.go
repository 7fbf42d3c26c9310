package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJudgeHeadTailPos(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		head, tail uint32
		pos        uint32
		want       Position
	}{
		{"linear pending", 2, 3, 3, Pending},
		{"linear at head", 2, 3, 2, Pending},
		{"linear behind head", 2, 3, 1, Consumed},
		{"linear beyond tail", 2, 3, 5, Consumed},
		{"wrapped upper half", 2, 1, 3, Pending},
		{"wrapped lower half", 5, 2, 1, Pending},
		{"wrapped at tail", 2, 1, 1, Consumed},
		{"wrapped between", 5, 2, 3, Consumed},
		{"drained", 4, 4, 4, Consumed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, JudgeHeadTailPos(tc.head, tc.tail, tc.pos))
		})
	}
}
