package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		allowed  bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskPending, TaskCancelled, true},
		{TaskPending, TaskCompleted, false},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskCancelled, true},
		{TaskRunning, TaskPending, false},
		{TaskCompleted, TaskRunning, false},
		{TaskFailed, TaskCancelled, false},
		{TaskCancelled, TaskRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskRunning.Terminal())
}

func TestStatusesInto(t *testing.T) {
	assert.Equal(t, []TaskStatus{TaskPending}, StatusesInto(TaskRunning))
	assert.Equal(t, []TaskStatus{TaskRunning}, StatusesInto(TaskCompleted))
	assert.Equal(t, []TaskStatus{TaskRunning}, StatusesInto(TaskFailed))
	assert.Equal(t, []TaskStatus{TaskPending, TaskRunning}, StatusesInto(TaskCancelled))
	assert.Empty(t, StatusesInto(TaskPending))
}

func TestTaskValidate(t *testing.T) {
	task := &Task{SourceID: 1, TaskType: TaskIncremental, TriggeredBy: TriggerCLI}
	assert.NoError(t, task.Validate())

	task.TaskType = "BOGUS"
	assert.True(t, IsValidation(task.Validate()))

	task.TaskType = TaskWikiGenerate
	task.Options.SkipLLM = true
	assert.True(t, IsValidation(task.Validate()))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

func TestHashContentNormalizesLineEndings(t *testing.T) {
	lf := HashContent([]byte("a\nb\n"))
	crlf := HashContent([]byte("a\r\nb\r\n"))
	assert.Equal(t, lf, crlf)

	trailing := HashContent([]byte("a\nb\n  "))
	assert.NotEqual(t, lf, trailing)
}
