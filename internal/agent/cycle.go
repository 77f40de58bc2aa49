package agent

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/skiff-ai/skiff/pkg/models"
)

// Default cycle detector settings.
const (
	DefaultCycleWindow          = 20
	DefaultCycleThreshold       = 4
	DefaultThinkingSimilarity   = 0.6
	DefaultThinkingRepetition   = 3
	defaultThinkingHistoryLimit = 6
)

// CycleDetector recognizes repeated identical tool-call signatures within a
// sliding window. A signature hashes the tool name with its canonicalized
// arguments: object keys sorted, array order preserved, so semantically
// identical calls collide regardless of key order on the wire.
type CycleDetector struct {
	window    int
	threshold int
	sigs      []uint64
}

// NewCycleDetector creates a detector. Non-positive settings fall back to
// the defaults.
func NewCycleDetector(window, threshold int) *CycleDetector {
	if window <= 0 {
		window = DefaultCycleWindow
	}
	if threshold <= 0 {
		threshold = DefaultCycleThreshold
	}
	return &CycleDetector{window: window, threshold: threshold}
}

// Observe feeds one batch of tool calls and reports whether any signature
// now meets the repetition threshold within the window.
func (d *CycleDetector) Observe(calls []models.ToolCall) bool {
	for _, tc := range calls {
		d.sigs = append(d.sigs, callSignature(tc))
	}
	if over := len(d.sigs) - d.window; over > 0 {
		d.sigs = d.sigs[over:]
	}

	counts := make(map[uint64]int, len(d.sigs))
	for _, sig := range d.sigs {
		counts[sig]++
		if counts[sig] >= d.threshold {
			return true
		}
	}
	return false
}

// Reset clears the window at turn start.
func (d *CycleDetector) Reset() {
	d.sigs = d.sigs[:0]
}

// callSignature hashes a tool call's name and canonicalized arguments.
func callSignature(tc models.ToolCall) uint64 {
	h := fnv.New64a()
	h.Write([]byte(tc.Name))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalJSON(tc.Arguments)))
	return h.Sum64()
}

// CanonicalJSON re-encodes a JSON value with object keys sorted recursively
// and array order preserved. Invalid JSON canonicalizes to its raw bytes.
func CanonicalJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			b.WriteString(fmt.Sprintf("%v", val))
			return
		}
		b.Write(enc)
	}
}

// ThinkingDetector recognizes an assistant repeating itself: recent
// assistant messages are split into sentence fragments, fragments are
// grouped by Jaccard similarity of their word sets, and a group reaching
// the repetition threshold signals a thinking cycle.
type ThinkingDetector struct {
	similarity float64
	repetition int
	history    []string
	limit      int
}

// NewThinkingDetector creates a detector. Non-positive settings fall back
// to the defaults.
func NewThinkingDetector(similarity float64, repetition int) *ThinkingDetector {
	if similarity <= 0 || similarity > 1 {
		similarity = DefaultThinkingSimilarity
	}
	if repetition <= 0 {
		repetition = DefaultThinkingRepetition
	}
	return &ThinkingDetector{
		similarity: similarity,
		repetition: repetition,
		limit:      defaultThinkingHistoryLimit,
	}
}

// Observe feeds one assistant message and reports whether any fragment
// group across the recent messages meets the repetition threshold.
func (d *ThinkingDetector) Observe(content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	d.history = append(d.history, content)
	if over := len(d.history) - d.limit; over > 0 {
		d.history = d.history[over:]
	}

	var fragments [][]string
	for _, msg := range d.history {
		for _, frag := range splitFragments(msg) {
			words := wordSet(frag)
			if len(words) == 0 {
				continue
			}
			fragments = append(fragments, words)
		}
	}

	// Greedy grouping: each fragment joins the first group whose seed it
	// resembles above the similarity threshold.
	var seeds [][]string
	counts := []int{}
	for _, frag := range fragments {
		joined := false
		for i, seed := range seeds {
			if jaccard(frag, seed) >= d.similarity {
				counts[i]++
				if counts[i] >= d.repetition {
					return true
				}
				joined = true
				break
			}
		}
		if !joined {
			seeds = append(seeds, frag)
			counts = append(counts, 1)
		}
	}
	return false
}

// Reset clears the message history at turn start.
func (d *ThinkingDetector) Reset() {
	d.history = d.history[:0]
}

// splitFragments breaks a message into sentence/question/action fragments.
func splitFragments(content string) []string {
	var frags []string
	start := 0
	for i, r := range content {
		switch r {
		case '.', '?', '!', '\n':
			frag := strings.TrimSpace(content[start:i])
			if frag != "" {
				frags = append(frags, frag)
			}
			start = i + 1
		}
	}
	if frag := strings.TrimSpace(content[start:]); frag != "" {
		frags = append(frags, frag)
	}
	return frags
}

// wordSet lowercases and deduplicates a fragment's words, dropping very
// short tokens that would inflate similarity.
func wordSet(frag string) []string {
	seen := make(map[string]bool)
	var words []string
	for _, w := range strings.Fields(strings.ToLower(frag)) {
		w = strings.Trim(w, `.,;:"'()[]{}`)
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return words
}

// jaccard computes |A∩B| / |A∪B| over two word sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[w] = true
	}
	inter := 0
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		if setB[w] {
			continue
		}
		setB[w] = true
		if setA[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
