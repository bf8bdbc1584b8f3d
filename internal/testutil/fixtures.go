package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// SampleChatRequest returns a valid OpenAI Chat Completions request body.
func SampleChatRequest(model string, stream bool) []byte {
	req := map[string]interface{}{
		"model": model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": "You are a helpful assistant."},
			{"role": "user", "content": "Hello, how are you?"},
		},
		"stream": stream,
	}
	data, _ := json.Marshal(req)
	return data
}

// SampleChatResponse returns a valid chat.completion body with usage.
func SampleChatResponse(model string) []byte {
	resp := map[string]interface{}{
		"id":      "chatcmpl-test123",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": "Hello! I'm doing well, thank you for asking.",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     25,
			"completion_tokens": 12,
			"total_tokens":      37,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}

// SampleChunks returns n content chunks, an optional usage chunk, and the
// terminal marker, as an OpenAI-compatible upstream would stream them.
func SampleChunks(n int, usage *provider.Usage) []provider.Chunk {
	chunks := make([]provider.Chunk, 0, n+2)
	for i := 0; i < n; i++ {
		data, _ := json.Marshal(map[string]interface{}{
			"id":     "chatcmpl-test123",
			"object": "chat.completion.chunk",
			"choices": []map[string]interface{}{
				{"index": 0, "delta": map[string]interface{}{"content": fmt.Sprintf("tok%d ", i)}},
			},
		})
		chunks = append(chunks, provider.Chunk{Data: data})
	}
	if usage != nil {
		data, _ := json.Marshal(map[string]interface{}{
			"id":      "chatcmpl-test123",
			"object":  "chat.completion.chunk",
			"choices": []interface{}{},
			"usage":   usage,
		})
		chunks = append(chunks, provider.Chunk{Data: data})
	}
	return append(chunks, provider.Chunk{Data: []byte("[DONE]"), Done: true})
}

// SampleMessages generates an n-turn conversation.
func SampleMessages(n int) []provider.Message {
	messages := make([]provider.Message, 0, n*2)
	for i := 0; i < n; i++ {
		messages = append(messages,
			provider.Message{Role: "user", Text: fmt.Sprintf("This is user message number %d with some content to work with.", i+1)},
			provider.Message{Role: "assistant", Text: fmt.Sprintf("This is assistant response number %d with some content.", i+1)},
		)
	}
	return messages
}

// Provider returns an enabled provider fixture of the given type.
func Provider(id, typ string, priority, weight int) registry.Provider {
	return registry.Provider{
		ID:       id,
		Name:     id,
		Type:     typ,
		BaseURL:  "http://" + id + ".invalid/v1",
		Priority: priority,
		Weight:   weight,
		Enabled:  true,
		Timeout:  30 * time.Second,
	}
}

// Model returns an enabled canonical model fixture.
func Model(name string, maxRetry int) registry.CanonicalModel {
	return registry.CanonicalModel{Name: name, MaxRetry: maxRetry, Enabled: true}
}

// Binding returns an enabled binding fixture. Its id is providerID/model.
func Binding(providerID, model, providerModel string, weight int) registry.Binding {
	return registry.Binding{
		ID:            providerID + "/" + model,
		ProviderID:    providerID,
		ModelName:     model,
		ProviderModel: providerModel,
		Weight:        weight,
		Enabled:       true,
	}
}
