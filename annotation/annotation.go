// Package annotation stores decoded annotations grouped by row.
package annotation

import (
	"fmt"
	"sort"
)

// DefaultRowIndex is the row index of the synthetic row that collects
// annotation classes not covered by any declared row of a decoder.
const DefaultRowIndex = -1

// Row identifies one annotation row of one stage of the decoder stack.
type Row struct {
	// Stage is the position of the stage in the stack.
	Stage int
	// Decoder is the unique id of the stage.
	Decoder string
	// Index is the row index inside the decoder or DefaultRowIndex.
	Index int
	Title string
}

// Less orders rows by stage and then by row index. The default row of a
// stage goes first.
func (r Row) Less(other Row) bool {
	if r.Stage != other.Stage {
		return r.Stage < other.Stage
	}
	return r.Index < other.Index
}

func (r Row) String() string {
	return fmt.Sprintf("%d:%s", r.Stage, r.Title)
}

// Annotation is one decoded event in sample coordinates. End equals Start
// for instantaneous events.
type Annotation struct {
	Start uint64
	End   uint64
	Class int
	// Texts are ordered from most to least verbose.
	Texts []string
}

// Instantaneous reports whether the annotation has no duration.
func (a Annotation) Instantaneous() bool {
	return a.Start == a.End
}

// Text returns the most verbose text or empty string.
func (a Annotation) Text() string {
	if len(a.Texts) == 0 {
		return ""
	}
	return a.Texts[0]
}

// RowData is an append-only list of annotations of one row ordered by start
// sample. It is not safe for concurrent use.
type RowData struct {
	annotations []Annotation
}

// Push adds the annotation after all annotations starting at or before it.
// Annotations usually arrive in order and are appended. It panics if the
// annotation ends before it starts.
func (d *RowData) Push(a Annotation) {
	if a.End < a.Start {
		panic(fmt.Sprintf("annotation: end %d before start %d", a.End, a.Start))
	}
	n := len(d.annotations)
	if n == 0 || d.annotations[n-1].Start <= a.Start {
		d.annotations = append(d.annotations, a)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return d.annotations[i].Start > a.Start
	})
	d.annotations = append(d.annotations, Annotation{})
	copy(d.annotations[i+1:], d.annotations[i:])
	d.annotations[i] = a
}

// Len returns the number of annotations.
func (d *RowData) Len() int {
	return len(d.annotations)
}

// Subset returns annotations intersecting the half-open range [start, end),
// sorted by start sample. Instantaneous annotations intersect when they lie
// inside the range. It panics if start > end.
func (d *RowData) Subset(start, end uint64) []Annotation {
	if start > end {
		panic(fmt.Sprintf("annotation: invalid range [%d, %d)", start, end))
	}
	// nothing at or after end can intersect
	hi := sort.Search(len(d.annotations), func(i int) bool {
		return d.annotations[i].Start >= end
	})
	var result []Annotation
	for _, a := range d.annotations[:hi] {
		if a.End > start || (a.Instantaneous() && a.Start >= start) {
			result = append(result, a)
		}
	}
	return result
}
