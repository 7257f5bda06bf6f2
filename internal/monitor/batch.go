// Package monitor delivers result metrics to a Zabbix proxy through the
// zabbix_sender binary.
package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// Item is one key/value pair of a batch.
type Item struct {
	Key   string
	Value any
}

// Batch collects the items reported for one host in one run.
type Batch struct {
	Host  string
	Items []Item
}

// NewBatch returns an empty batch for host. An empty host lets zabbix_sender
// fall back to its own configuration.
func NewBatch(host string) *Batch {
	return &Batch{Host: host}
}

// Add appends an item.
func (b *Batch) Add(key string, value any) {
	b.Items = append(b.Items, Item{Key: key, Value: value})
}

// Len returns the number of items.
func (b *Batch) Len() int { return len(b.Items) }

// SenderInput renders the batch in zabbix_sender input-file format, one
// `"<host>" "<key>" "<value>"` line per item.
func (b *Batch) SenderInput() string {
	host := b.Host
	if host == "" {
		host = "-"
	}
	var sb strings.Builder
	for _, item := range b.Items {
		fmt.Fprintf(&sb, "%s %s %s\n", quote(host), quote(item.Key), quote(formatValue(item.Value)))
	}
	return sb.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

// quote wraps s in double quotes, escaping backslashes and quotes the way
// zabbix_sender expects.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
