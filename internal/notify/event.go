// Package notify fans source and product change events out to observers
// without ever blocking the code that produces them.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Topic names the collection an event changes.
type Topic string

// Supported topics.
const (
	TopicSources  Topic = "sources"
	TopicProducts Topic = "products"
)

// Event describes one change. Consumers are expected to reload state rather
// than apply the event as a delta.
type Event struct {
	Topic    Topic               `json:"topic"`
	SourceID string              `json:"source_id,omitempty"`
	State    crawler.SourceState `json:"state,omitempty"`
	// Count is the number of products written by the change.
	Count int       `json:"count,omitempty"`
	Error string    `json:"error,omitempty"`
	TS    time.Time `json:"ts"`
}

// Validate rejects events no sink could act on.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Topic {
	case TopicSources:
	case TopicProducts:
		if e.SourceID == "" {
			return errors.New("products event requires source id")
		}
	default:
		return fmt.Errorf("unknown topic %q", e.Topic)
	}
	return nil
}

// SourcesKey is the snapshot key of the source list.
const SourcesKey = string(TopicSources)

// ProductsKey is the snapshot key of one source's products.
func ProductsKey(sourceID string) string {
	return string(TopicProducts) + ":" + sourceID
}

// Key identifies the snapshot an event invalidates.
func (e Event) Key() string {
	if e.Topic == TopicProducts {
		return ProductsKey(e.SourceID)
	}
	return SourcesKey
}

// Coalesce keeps the last event per snapshot key, in order of first
// appearance, summing product counts.
func Coalesce(batch []Event) []Event {
	index := make(map[string]int, len(batch))
	out := make([]Event, 0, len(batch))
	for _, evt := range batch {
		k := evt.Key()
		if i, ok := index[k]; ok {
			evt.Count += out[i].Count
			out[i] = evt
			continue
		}
		index[k] = len(out)
		out = append(out, evt)
	}
	return out
}
