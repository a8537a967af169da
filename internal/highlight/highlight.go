// Package highlight marks inbox rows whose labels follow the
// Cloudidian/<Category> convention with a per-category class.
package highlight

import (
	"strings"
	"sync"

	"cloudidian/internal/model"
)

const (
	LabelPrefix = "Cloudidian/"
	ClassPrefix = "cloudidian-"
)

// DefaultColors are the backend's built-in category colors.
var DefaultColors = map[string]string{
	"work":      "#4285f4",
	"personal":  "#34a853",
	"promotion": "#fbbc04",
	"spam":      "#ea4335",
	"finance":   "#ab47bc",
	"security":  "#000000",
}

// Row is one inbox entry as shown in the list.
type Row struct {
	ID      string
	From    string
	Sender  string // normalized address
	Subject string
	Date    string // RFC3339, empty when the header was unparsable
	Labels  []string

	Classes   []string
	Processed bool
}

// Category returns the first category class on the row without its prefix.
func (r Row) Category() string {
	if len(r.Classes) == 0 {
		return ""
	}
	return strings.TrimPrefix(r.Classes[0], ClassPrefix)
}

// ClassFor maps a label name to its class. Matching on the prefix is
// case-insensitive; the category part is lower-cased and spaces become
// dashes.
func ClassFor(label string) (string, bool) {
	if len(label) <= len(LabelPrefix) || !strings.EqualFold(label[:len(LabelPrefix)], LabelPrefix) {
		return "", false
	}
	cat := strings.ToLower(strings.TrimSpace(label[len(LabelPrefix):]))
	if cat == "" || strings.Contains(cat, "/") {
		return "", false
	}
	return ClassPrefix + strings.Join(strings.Fields(cat), "-"), true
}

// Tracker remembers which rows have been annotated. Rows are keyed by ID
// so a refreshed snapshot of an already-seen row gets the classes computed
// the first time, never a second copy.
type Tracker struct {
	mu     sync.Mutex
	known  map[string]bool
	colors map[string]string
	seen   map[string][]string
}

// NewTracker builds a tracker. With categories, only labels naming one of
// them are recognised; with none, any Cloudidian/ label is.
func NewTracker(categories []model.Category) *Tracker {
	t := &Tracker{
		colors: make(map[string]string, len(DefaultColors)),
		seen:   make(map[string][]string),
	}
	for k, v := range DefaultColors {
		t.colors[ClassPrefix+k] = v
	}
	if len(categories) > 0 {
		t.known = make(map[string]bool, len(categories))
		for _, c := range categories {
			class, ok := ClassFor(LabelPrefix + c.Name)
			if !ok {
				continue
			}
			t.known[class] = true
			if c.Color != "" {
				t.colors[class] = c.Color
			}
		}
	}
	return t
}

// Apply annotates rows in place and returns them. Rows already carrying
// the processed marker are left untouched.
func (t *Tracker) Apply(rows []Row) []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range rows {
		r := &rows[i]
		if r.Processed {
			continue
		}
		classes, ok := t.seen[r.ID]
		if !ok || r.ID == "" {
			classes = t.classesFor(r.Labels)
			if r.ID != "" {
				t.seen[r.ID] = classes
			}
		}
		r.Classes = mergeClasses(r.Classes, classes)
		r.Processed = true
	}
	return rows
}

func (t *Tracker) classesFor(labels []string) []string {
	var out []string
	for _, l := range labels {
		class, ok := ClassFor(l)
		if !ok {
			continue
		}
		if t.known != nil && !t.known[class] {
			continue
		}
		out = mergeClasses(out, []string{class})
	}
	return out
}

// Color returns the category color for class, or "".
func (t *Tracker) Color(class string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.colors[class]
}

// Seen is the number of distinct rows annotated so far.
func (t *Tracker) Seen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Reset forgets every row, e.g. after the category list changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.seen = make(map[string][]string)
	t.mu.Unlock()
}

func mergeClasses(dst, add []string) []string {
	for _, c := range add {
		dup := false
		for _, d := range dst {
			if d == c {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, c)
		}
	}
	return dst
}
