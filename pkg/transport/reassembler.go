package transport

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultReassemblyTimeout bounds how long an incomplete fragment is kept.
const DefaultReassemblyTimeout = 15 * time.Second

// documentBoundary matches the seam between two adjacent JSON documents:
// "}{", "}][{", "}[{" and "}]{", with any whitespace between them.
var documentBoundary = regexp.MustCompile(`(\}\]?)\s*(\[?\{)`)

// Reassembler turns stream deliveries into whole JSON documents. A delivery
// may hold several documents or part of one; an undecodable tail is retained
// and prepended to the next delivery.
type Reassembler struct {
	timeout   time.Duration
	onTimeout func()

	mu       sync.Mutex
	fragment string
	timer    *time.Timer
	gen      uint64 // identifies the armed timer
}

// NewReassembler returns a Reassembler that calls onTimeout when a retained
// fragment has not been completed within timeout.
func NewReassembler(timeout time.Duration, onTimeout func()) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{timeout: timeout, onTimeout: onTimeout}
}

// Feed consumes one delivery and returns every document it completed.
func (r *Reassembler) Feed(chunk []byte) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var docs []json.RawMessage
	for _, piece := range splitDocuments(string(chunk)) {
		if r.fragment == "" && strings.TrimSpace(piece) == "" {
			continue
		}
		if r.fragment != "" {
			piece = r.fragment + piece
		}
		if !json.Valid([]byte(piece)) {
			r.fragment = piece
			r.armLocked()
			continue
		}

		r.fragment = ""
		r.disarmLocked()
		docs = append(docs, json.RawMessage(strings.TrimSpace(piece)))
	}
	return docs
}

// Pending reports whether an incomplete fragment is retained.
func (r *Reassembler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fragment != ""
}

// Reset drops any retained fragment without firing the timeout.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragment = ""
	r.disarmLocked()
}

func (r *Reassembler) armLocked() {
	r.disarmLocked()
	gen := r.gen
	r.timer = time.AfterFunc(r.timeout, func() { r.expire(gen) })
}

// disarmLocked stops the armed timer. Bumping gen makes a timer that already
// fired a no-op.
func (r *Reassembler) disarmLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reassembler) expire(gen uint64) {
	r.mu.Lock()
	if r.gen != gen || r.fragment == "" {
		r.mu.Unlock()
		return
	}
	r.gen++
	r.fragment = ""
	r.timer = nil
	r.mu.Unlock()

	if r.onTimeout != nil {
		r.onTimeout()
	}
}

func splitDocuments(data string) []string {
	matches := documentBoundary.FindAllStringSubmatchIndex(data, -1)
	if len(matches) == 0 {
		if data == "" {
			return nil
		}
		return []string{data}
	}

	pieces := make([]string, 0, len(matches)+1)
	start := 0
	for _, m := range matches {
		// Whitespace up to m[4], where the opening group starts, stays with
		// the preceding piece so a rejoined fragment is byte-identical.
		pieces = append(pieces, data[start:m[4]])
		start = m[4]
	}
	return append(pieces, data[start:])
}
