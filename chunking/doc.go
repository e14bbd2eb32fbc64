// Package chunking splits large serialized messages into chunks on the
// producer side and reassembles them on the consumer side.
//
// Chunks of one message share its x-message-id and carry x-chunk-id and
// x-chunks-count. The final chunk carries the full header set. Consumers
// store incoming chunks in a store.ChunkStore until every chunk of the
// message arrived, in any order.
package chunking
