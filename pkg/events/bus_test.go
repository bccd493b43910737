package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversInOrderToAllListeners(t *testing.T) {
	b := NewBus()
	var got []int

	b.On("t", func(p any) { got = append(got, p.(int)*10) })
	b.On("t", func(p any) { got = append(got, p.(int)*100) })

	b.Emit("t", 1)
	b.Emit("t", 2)

	require.Equal(t, []int{10, 100, 20, 200}, got)
}

func TestRemoveStopsDelivery(t *testing.T) {
	b := NewBus()
	calls := 0
	sub := b.On("t", func(any) { calls++ })
	b.Emit("t", nil)
	b.Remove(sub)
	b.Emit("t", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.ListenerCount("t"))
}

func TestEmitUnknownTopicIsNoop(t *testing.T) {
	b := NewBus()
	assert.NotPanics(t, func() { b.Emit("nobody-listens", "x") })
}

func TestHandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := NewBus()
	second := false
	b.On("t", func(any) { panic("boom") })
	b.On("t", func(any) { second = true })
	assert.NotPanics(t, func() { b.Emit("t", nil) })
	assert.True(t, second)
}

func TestTopicHelpersFormat(t *testing.T) {
	assert.Equal(t, "task:abc:event", TaskEventTopic("abc"))
	assert.Equal(t, "task:abc:output", TaskOutputTopic("abc"))
	assert.Equal(t, "task:abc:complete", TaskCompleteTopic("abc"))
	assert.Equal(t, "pipeline:p1", PipelineTopic("p1"))
	assert.Equal(t, "orchestrator:o1:event", OrchestratorEventTopic("o1"))
	assert.Equal(t, "orchestrator:o1:agent-spawn", OrchestratorSpawnTopic("o1"))
	assert.Equal(t, "orchestrator:o1:agent-complete", OrchestratorAgentCompleteTopic("o1"))
	assert.Equal(t, "orchestrator:o1:complete", OrchestratorCompleteTopic("o1"))
	assert.Equal(t, "agent:a1:output", AgentTopic("a1", "output"))
	assert.Equal(t, "ask-user:e1", AskUserTopic("e1"))
	assert.Equal(t, "provisioning:e1", ProvisioningTopic("e1"))
	assert.Equal(t, "claude:tasks", AllTasksTopic())
	assert.Equal(t, "environments", EnvironmentsTopic())
}
