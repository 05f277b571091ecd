package matrix

import (
	"encoding/json"
	"fmt"
	"testing"

	"maunium.net/go/mautrix/id"
)

// BenchmarkDedupAdd measures insertion with eviction at the default capacity.
func BenchmarkDedupAdd(b *testing.B) {
	w := NewDedupWindow(0)
	ids := make([]id.EventID, 4096)
	for i := range ids {
		ids[i] = id.EventID(fmt.Sprintf("$evt%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Add(ids[i%len(ids)])
	}
}

// BenchmarkFilterBatch measures filtering a full timeline page.
func BenchmarkFilterBatch(b *testing.B) {
	events := make([]Event, DefaultTimelineLimit)
	for i := range events {
		var raw string
		if i%2 == 0 {
			raw = textEvent(fmt.Sprintf("$evt%d", i), testHuman, "hello")
		} else {
			raw = textEvent(fmt.Sprintf("$evt%d", i), testBot, "echo: hello")
		}
		if err := json.Unmarshal([]byte(raw), &events[i]); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f := &eventFilter{self: testBot, expected: testHuman, seen: NewDedupWindow(0)}
		for range f.Filter(events) {
		}
	}
}
