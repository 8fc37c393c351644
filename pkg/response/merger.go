package response

import "fmt"

// MergedResult is the concatenation of all fetched pages of one query.
type MergedResult struct {
	Records      []Record `json:"records"`
	PagesFetched int      `json:"pages_fetched"`
	// Complete is false when merging stopped early because a page failed.
	Complete bool `json:"complete"`
}

// PageResult is the outcome of fetching and transforming one page.
type PageResult struct {
	Page Page
	Err  error
}

// MergerConfig configures a Merger.
type MergerConfig struct {
	// DedupeKey, when set, drops records whose value for this field was
	// already seen. Records without the field are always kept.
	DedupeKey string
}

// Merger accumulates pages in the order they are appended.
// It is not safe for concurrent use.
type Merger struct {
	config  MergerConfig
	records []Record
	seen    map[string]struct{}
	pages   int
	err     error
}

// NewMerger creates an empty merger.
func NewMerger(config MergerConfig) *Merger {
	m := &Merger{config: config}
	if config.DedupeKey != "" {
		m.seen = make(map[string]struct{})
	}
	return m
}

// Append incorporates page. It returns false, and ignores the page, once
// the merger has failed.
func (m *Merger) Append(page Page) bool {
	if m.err != nil {
		return false
	}
	for _, rec := range page.Records {
		if m.seen != nil {
			if v, ok := rec.Get(m.config.DedupeKey); ok {
				id := fmt.Sprint(v)
				if _, dup := m.seen[id]; dup {
					continue
				}
				m.seen[id] = struct{}{}
			}
		}
		m.records = append(m.records, rec)
	}
	m.pages++
	return true
}

// Fail stops the merge. Only the first failure is kept.
func (m *Merger) Fail(err error) {
	if m.err == nil && err != nil {
		m.err = err
	}
}

// Err returns the failure that stopped the merge, if any.
func (m *Merger) Err() error { return m.err }

// Result returns the merged prefix and completeness flag.
func (m *Merger) Result() MergedResult {
	records := make([]Record, len(m.records))
	copy(records, m.records)
	return MergedResult{
		Records:      records,
		PagesFetched: m.pages,
		Complete:     m.err == nil,
	}
}

// Merge concatenates pages in order and stops at the first failed page.
// The failure is returned alongside the merged prefix.
func Merge(pages []PageResult, config MergerConfig) (MergedResult, error) {
	m := NewMerger(config)
	for _, p := range pages {
		if p.Err != nil {
			m.Fail(p.Err)
			break
		}
		m.Append(p.Page)
	}
	return m.Result(), m.Err()
}
