package contracts

import (
	"fmt"
	"strconv"
)

// Offset is an opaque broker position. Offsets are ordered within the
// partition identified by Key and round-trip through Value.
type Offset interface {
	// Key identifies the partition the offset belongs to
	Key() string
	// Value is the stable string form of the position
	Value() string
	// CompareTo orders the offset against another offset of the same key.
	// It returns a negative number, zero or a positive number.
	CompareTo(other Offset) (int, error)
}

// SequenceOffset is a monotonically increasing position inside a named partition
type SequenceOffset struct {
	Partition string
	Sequence  int64
}

// NewSequenceOffset creates a sequence offset
func NewSequenceOffset(partition string, sequence int64) SequenceOffset {
	return SequenceOffset{Partition: partition, Sequence: sequence}
}

func (o SequenceOffset) Key() string   { return o.Partition }
func (o SequenceOffset) Value() string { return strconv.FormatInt(o.Sequence, 10) }

func (o SequenceOffset) CompareTo(other Offset) (int, error) {
	return compareInt64(o, other)
}

func (o SequenceOffset) String() string {
	return fmt.Sprintf("%s@%d", o.Partition, o.Sequence)
}

// KafkaOffset is a topic partition position
type KafkaOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (o KafkaOffset) Key() string   { return fmt.Sprintf("%s[%d]", o.Topic, o.Partition) }
func (o KafkaOffset) Value() string { return strconv.FormatInt(o.Offset, 10) }

func (o KafkaOffset) CompareTo(other Offset) (int, error) {
	return compareInt64(o, other)
}

func (o KafkaOffset) String() string {
	return fmt.Sprintf("%s@%d", o.Key(), o.Offset)
}

// DeliveryTagOffset is an AMQP delivery tag scoped to a consumer channel
type DeliveryTagOffset struct {
	ConsumerTag string
	DeliveryTag uint64
}

func (o DeliveryTagOffset) Key() string   { return o.ConsumerTag }
func (o DeliveryTagOffset) Value() string { return strconv.FormatUint(o.DeliveryTag, 10) }

func (o DeliveryTagOffset) CompareTo(other Offset) (int, error) {
	if other == nil || other.Key() != o.Key() {
		return 0, fmt.Errorf("%w: %s vs %v", ErrOffsetMismatch, o.Key(), keyOf(other))
	}
	v, err := strconv.ParseUint(other.Value(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOffsetMismatch, err)
	}
	switch {
	case o.DeliveryTag < v:
		return -1, nil
	case o.DeliveryTag > v:
		return 1, nil
	default:
		return 0, nil
	}
}

func (o DeliveryTagOffset) String() string {
	return fmt.Sprintf("%s#%d", o.ConsumerTag, o.DeliveryTag)
}

// StoredOffset is an offset read back from persistence. It only knows its
// string form; comparisons go through the live offset type.
type StoredOffset struct {
	PartitionKey string
	OffsetValue  string
}

func (o StoredOffset) Key() string   { return o.PartitionKey }
func (o StoredOffset) Value() string { return o.OffsetValue }

func (o StoredOffset) CompareTo(other Offset) (int, error) {
	return compareInt64(o, other)
}

func (o StoredOffset) String() string {
	return o.PartitionKey + "@" + o.OffsetValue
}

// LatestOffsets keeps the highest offset per partition key, preserving the
// order in which keys were first seen.
func LatestOffsets(offsets []Offset) ([]Offset, error) {
	index := make(map[string]int, len(offsets))
	latest := make([]Offset, 0, len(offsets))
	for _, offset := range offsets {
		if offset == nil {
			continue
		}
		i, seen := index[offset.Key()]
		if !seen {
			index[offset.Key()] = len(latest)
			latest = append(latest, offset)
			continue
		}
		cmp, err := offset.CompareTo(latest[i])
		if err != nil {
			return nil, err
		}
		if cmp > 0 {
			latest[i] = offset
		}
	}
	return latest, nil
}

func compareInt64(o Offset, other Offset) (int, error) {
	if other == nil || other.Key() != o.Key() {
		return 0, fmt.Errorf("%w: %s vs %v", ErrOffsetMismatch, o.Key(), keyOf(other))
	}
	a, err := strconv.ParseInt(o.Value(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOffsetMismatch, err)
	}
	b, err := strconv.ParseInt(other.Value(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOffsetMismatch, err)
	}
	switch {
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	default:
		return 0, nil
	}
}

func keyOf(o Offset) any {
	if o == nil {
		return nil
	}
	return o.Key()
}
