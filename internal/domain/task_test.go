package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskContentIsACopy(t *testing.T) {
	secret := LevelSecret
	in := []Field{{Name: "note", Value: "launch codes", Label: &secret}, {Value: "hello"}}
	task := NewTask(in, "ops", "chat")

	// Changes to the caller's slice do not reach the task.
	in[1].Value = "changed"
	secret = LevelPublic
	require.Equal(t, LevelSecret, *task.Content()[0].Label)
	assert.Equal(t, "hello", task.Content()[1].Value)

	// Neither do changes to what Content returned, labels included.
	out := task.Content()
	out[0].Value = "nothing"
	*out[0].Label = LevelPublic
	got := task.Content()
	assert.Equal(t, "launch codes", got[0].Value)
	assert.Equal(t, LevelSecret, *got[0].Label)
	assert.Nil(t, got[1].Label)
	assert.Equal(t, "note: launch codes\nhello", task.Prompt())
}
