package viewer

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Record is the diagnostic trace of a finished or superseded load attempt.
type Record struct {
	LoadID    string    `json:"loadId"`
	Title     string    `json:"title,omitempty"`
	Revision  string    `json:"revision,omitempty"`
	Outcome   string    `json:"outcome"`
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	EndedAt   time.Time `json:"endedAt"`
	// Dropped message counters, useful when debugging hostile artifacts.
	StaleDrops int `json:"staleDrops,omitempty"`
	RateDrops  int `json:"rateDrops,omitempty"`
}

// history keeps a bounded, oldest-evicted record of past attempts.
type history struct {
	cache *lru.Cache[string, Record]
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 32
	}
	cache, _ := lru.New[string, Record](size)
	return &history{cache: cache}
}

func (h *history) add(rec Record) {
	h.cache.Add(rec.LoadID, rec)
}

// list returns records oldest first.
func (h *history) list() []Record {
	return h.cache.Values()
}
