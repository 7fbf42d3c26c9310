package queue

import "errors"

var (
	// ErrQueueFull is returned by Reserve when the slots it needs are still
	// unread by hardware or await a completion. It never waits.
	ErrQueueFull = errors.New("queue: submission queue full")
	// ErrNotReserved means the descriptor holds no reservation on this stream.
	ErrNotReserved = errors.New("queue: task not reserved on this stream")
	// ErrNotLatest means a rollback was asked for a reservation that is not
	// the most recent one.
	ErrNotLatest = errors.New("queue: only the latest reservation can be rolled back")
	ErrInvalidCount = errors.New("queue: invalid sqe count")
	ErrForeignTask  = errors.New("queue: descriptor belongs to another stream")
	// ErrUnconsumed means hardware has not read the task's slots yet.
	ErrUnconsumed = errors.New("queue: task not consumed by hardware")
)
