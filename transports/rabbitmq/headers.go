package rabbitmq

import (
	"fmt"
	"maps"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
)

// toTable converts headers to an AMQP table. Repeated names become arrays.
func toTable(headers contracts.Headers) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for _, h := range headers {
		switch existing := table[h.Name].(type) {
		case nil:
			table[h.Name] = h.Value
		case string:
			table[h.Name] = []interface{}{existing, h.Value}
		case []interface{}:
			table[h.Name] = append(existing, h.Value)
		}
	}
	return table
}

// fromDelivery rebuilds the headers of a delivery. Properties set by other
// producers fill in identity headers that are missing from the table.
func fromDelivery(d amqp.Delivery) contracts.Headers {
	headers := make(contracts.Headers, 0, len(d.Headers)+2)
	for _, name := range slices.Sorted(maps.Keys(d.Headers)) {
		value := d.Headers[name]
		if values, ok := value.([]interface{}); ok {
			for _, v := range values {
				headers.Add(name, stringify(v))
			}
			continue
		}
		headers.Add(name, stringify(value))
	}
	if d.MessageId != "" {
		headers.AddIfNotExists(contracts.HeaderMessageID, d.MessageId)
	}
	if d.ContentType != "" {
		headers.AddIfNotExists(contracts.HeaderContentType, d.ContentType)
	}
	return headers
}

func stringify(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
