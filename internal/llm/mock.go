package llm

import "context"

// MockProvider permite tests sin llamar a un LLM real. Chunks alimenta el
// stream; con StreamErr definido se inyecta el fallo despues de entregar
// FailAfter chunks.
type MockProvider struct {
	Response  string
	Err       error
	Chunks    []string
	StreamErr error
	FailAfter int

	CompleteCalls  int
	StreamingCalls int
	LastMessages   []Message
}

func (m *MockProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	m.CompleteCalls++
	m.LastMessages = messages
	return m.Response, m.Err
}

func (m *MockProvider) CompleteStreaming(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	m.StreamingCalls++
	m.LastMessages = messages
	if m.Err != nil {
		return nil, m.Err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for i, chunk := range m.Chunks {
			if m.StreamErr != nil && i == m.FailAfter {
				out <- StreamChunk{Err: m.StreamErr}
				return
			}
			select {
			case out <- StreamChunk{Content: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if m.StreamErr != nil && m.FailAfter >= len(m.Chunks) {
			out <- StreamChunk{Err: m.StreamErr}
		}
	}()
	return out, nil
}

// MockEmbedder devuelve vectores fijos para tests.
type MockEmbedder struct {
	Vector    []float32
	Err       error
	Dim       int
	LastInput string
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.LastInput = text
	return m.Vector, m.Err
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = m.Vector
	}
	return out, nil
}

func (m *MockEmbedder) Dimension() int {
	if m.Dim > 0 {
		return m.Dim
	}
	return len(m.Vector)
}
