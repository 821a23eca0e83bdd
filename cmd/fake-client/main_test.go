// ABOUTME: Tests for the fake client's reply selection
// ABOUTME: Checks request id echoing and the failure keyword

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/flowlink/internal/bus"
)

func TestRespondAnswers(t *testing.T) {
	ask := bus.New(bus.TypeAsk, map[string]any{"utterance": "turn on the lights"}, map[string]any{bus.CtxRequestID: "abc"})

	reply := respond(ask)
	assert.Equal(t, "answer", reply.Type)
	assert.Equal(t, "abc", reply.ContextString(bus.CtxRequestID))
	assert.Equal(t, "Echo: turn on the lights", reply.DataString("utterance"))
}

func TestRespondFails(t *testing.T) {
	ask := bus.New(bus.TypeConverse, map[string]any{"utterances": []any{"please FAIL this"}}, map[string]any{bus.CtxRequestID: "def"})

	reply := respond(ask)
	assert.Equal(t, bus.TypeIntentFailure, reply.Type)
	assert.Equal(t, "def", reply.ContextString(bus.CtxRequestID))
}
