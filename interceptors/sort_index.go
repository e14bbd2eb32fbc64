package interceptors

// Sort indices of the built-in producer behaviors
const (
	ProducerTracingIndex        = 100
	ProducerKeyInitializerIndex = 200
	ProducerSerializerIndex     = 300
	ProducerEncryptionIndex     = 400
	ProducerChunkingIndex       = 500
)

// Sort indices of the built-in consumer behaviors
const (
	ConsumerTracingIndex         = 100
	ConsumerLoggingIndex         = 150
	ConsumerChunkAggregatorIndex = 200
	ConsumerDecryptionIndex      = 300
	ConsumerDeserializerIndex    = 400
	ConsumerExactlyOnceIndex     = 500
)

// Sort indices of the built-in publish behaviors
const (
	PublishOutboundRouterIndex    = 300
	PublishOutboundProducingIndex = 400
)
