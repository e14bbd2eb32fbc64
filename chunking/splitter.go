package chunking

import (
	"context"
	"strconv"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
)

// SplitterBehavior splits bodies larger than the endpoint chunk size. Every
// chunk continues down the producer pipeline as its own envelope.
type SplitterBehavior struct{}

// NewSplitterBehavior creates the chunk splitter
func NewSplitterBehavior() *SplitterBehavior {
	return &SplitterBehavior{}
}

// SortIndex implements interceptors.Behavior
func (b *SplitterBehavior) SortIndex() int {
	return interceptors.ProducerChunkingIndex
}

// Handle implements interceptors.Behavior
func (b *SplitterBehavior) Handle(ctx context.Context, c *interceptors.ProducerContext, next interceptors.ProducerHandler) error {
	env := c.Envelope
	settings := env.Endpoint.Chunk
	if !settings.Enabled() {
		return next(ctx, c)
	}

	if len(env.RawBody) <= settings.Size {
		if settings.AlwaysAddHeaders {
			env.Headers.AddOrReplace(contracts.HeaderChunkIndex, "0")
			env.Headers.AddOrReplace(contracts.HeaderChunksCount, "1")
		}
		return next(ctx, c)
	}

	chunks := Split(env.RawBody, settings.Size)
	defer func() { c.Envelope = env }()

	// every chunk of a message must reach the same partition worker, or no
	// worker ever sees the complete set
	key, ok := env.Headers.Get(contracts.HeaderMessageKey)
	if !ok || key == "" {
		key = env.Headers.MessageID()
	}

	for i, body := range chunks {
		chunk := &contracts.OutboundEnvelope{
			Message:  env.Message,
			RawBody:  body,
			Headers:  chunkHeaders(env.Headers, key, i, len(chunks), settings.AlwaysAddHeaders),
			Endpoint: env.Endpoint,
		}
		c.Envelope = chunk
		if err := next(ctx, c); err != nil {
			return err
		}
		env.Offset = chunk.Offset
	}
	return nil
}

// chunkHeaders builds the headers of chunk i. Only the last chunk carries the
// full header set unless full is set; all of them carry the partition key.
func chunkHeaders(original contracts.Headers, key string, i, count int, full bool) contracts.Headers {
	var headers contracts.Headers
	if full || i == count-1 {
		headers = original.Clone()
	} else {
		headers = contracts.NewHeaders(contracts.HeaderMessageID, original.MessageID())
	}
	if key != "" {
		headers.AddOrReplace(contracts.HeaderMessageKey, key)
	}
	headers.AddOrReplace(contracts.HeaderChunkIndex, strconv.Itoa(i))
	headers.AddOrReplace(contracts.HeaderChunksCount, strconv.Itoa(count))
	return headers
}

// Split cuts body into ceil(len(body)/size) slices
func Split(body []byte, size int) [][]byte {
	if size <= 0 || len(body) <= size {
		return [][]byte{body}
	}
	chunks := make([][]byte, 0, (len(body)+size-1)/size)
	for start := 0; start < len(body); start += size {
		end := min(start+size, len(body))
		chunks = append(chunks, body[start:end])
	}
	return chunks
}
