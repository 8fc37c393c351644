// Package response turns raw API payloads into uniform record pages and
// merges pages into one result.
//
// The wire envelope is shape-ambiguous: a single record is sent as an
// object, several records as an array (or as an object keyed by index).
// Normalization happens once, right after parsing; callers only ever see
// a []Record of length 0, 1 or N.
package response

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/tidwall/gjson"
)

// OutcomeKind tags the three envelope outcomes.
type OutcomeKind int

const (
	// OutcomeRecords carries normalized records.
	OutcomeRecords OutcomeKind = iota
	// OutcomeEmpty is an explicit "no data" answer. It is not an error.
	OutcomeEmpty
	// OutcomeError carries a structured API error.
	OutcomeError
)

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRecords:
		return "records"
	case OutcomeEmpty:
		return "empty"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Info is the optional paging block of an envelope.
type Info struct {
	Page    int `json:"page,omitempty"`
	PerPage int `json:"per_page,omitempty"`
	Count   int `json:"count,omitempty"`
}

// Page is one normalized page of records.
type Page struct {
	Records []Record
	// MoreRecords is the envelope's more_records flag.
	MoreRecords bool
	// HasMoreIndicator reports whether the envelope carried more_records at all.
	HasMoreIndicator bool
	Info             Info
}

// Outcome is the tagged result of parsing an envelope.
type Outcome struct {
	Kind OutcomeKind
	Page Page
	Err  *crmerr.APIError
}

// Default envelope keys.
const (
	DefaultDataKey = "data"
	DefaultIDKey   = "id"
)

// Transformer normalizes JSON envelopes.
type Transformer struct {
	// DataKey is the envelope key holding records.
	DataKey string
	// IDKey identifies a single record sent as a bare object.
	IDKey string
}

// NewTransformer returns a transformer using idKey to recognise single records.
func NewTransformer(idKey string) *Transformer {
	if idKey == "" {
		idKey = DefaultIDKey
	}
	return &Transformer{DataKey: DefaultDataKey, IDKey: idKey}
}

// Transform parses body and returns its records. An error envelope is
// returned as *crmerr.APIError; a "no data" envelope yields an empty page.
func (t *Transformer) Transform(body []byte) (Page, error) {
	out, err := t.Parse(body)
	if err != nil {
		return Page{}, err
	}
	if out.Kind == OutcomeError {
		return Page{}, out.Err
	}
	return out.Page, nil
}

// Parse classifies body into one of the three outcomes.
func (t *Transformer) Parse(body []byte) (Outcome, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Outcome{Kind: OutcomeEmpty}, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return Outcome{}, crmerr.Unreadable(trimmed, errors.New("invalid JSON"))
	}

	root := gjson.ParseBytes(trimmed)
	if !root.IsObject() {
		return Outcome{}, crmerr.Unreadable(trimmed, errors.New("envelope is not a JSON object"))
	}

	if apiErr := envelopeError(root, t.dataKey()); apiErr != nil {
		return Outcome{Kind: OutcomeError, Err: apiErr}, nil
	}

	if root.Get("nodata").Exists() || root.Get("response.nodata").Exists() {
		return Outcome{Kind: OutcomeEmpty}, nil
	}

	data, ok := lookupKey(root, t.dataKey())
	if !ok || data.Type == gjson.Null {
		return Outcome{Kind: OutcomeEmpty}, nil
	}

	records, err := t.normalize(data)
	if err != nil {
		return Outcome{}, crmerr.Unreadable(trimmed, err)
	}

	page := Page{Records: records}
	page.MoreRecords, page.HasMoreIndicator = moreRecords(root)
	if info := root.Get("info"); info.IsObject() {
		page.Info = Info{
			Page:    int(info.Get("page").Int()),
			PerPage: int(info.Get("per_page").Int()),
			Count:   int(info.Get("count").Int()),
		}
	}
	return Outcome{Kind: OutcomeRecords, Page: page}, nil
}

func (t *Transformer) dataKey() string {
	if t.DataKey == "" {
		return DefaultDataKey
	}
	return t.DataKey
}

func (t *Transformer) idKey() string {
	if t.IDKey == "" {
		return DefaultIDKey
	}
	return t.IDKey
}

// IsErrorEnvelope reports whether body is a JSON envelope that Parse
// classifies as OutcomeError under the default data key.
func IsErrorEnvelope(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if !gjson.ValidBytes(trimmed) {
		return false
	}
	root := gjson.ParseBytes(trimmed)
	return root.IsObject() && envelopeError(root, DefaultDataKey) != nil
}

// envelopeError recognises a non-null "error" member at the top level or
// under "response", as an object or a bare code, and a top-level "code" on
// an envelope without data or with status "error".
func envelopeError(root gjson.Result, dataKey string) *crmerr.APIError {
	for _, path := range []string{"error", "response.error"} {
		block := root.Get(path)
		switch {
		case !block.Exists() || block.Type == gjson.Null:
			continue
		case block.IsObject():
			return crmerr.NewAPIError(block.Get("code").String(), block.Get("message").String())
		default:
			message := root.Get("error_description").String()
			if message == "" {
				message = root.Get("message").String()
			}
			return crmerr.NewAPIError(block.String(), message)
		}
	}

	code := root.Get("code")
	if !code.Exists() || code.Type == gjson.Null {
		return nil
	}
	_, hasData := lookupKey(root, dataKey)
	if !hasData || root.Get("status").String() == "error" {
		return crmerr.NewAPIError(code.String(), root.Get("message").String())
	}
	return nil
}

// normalize materializes data as a uniform record sequence.
func (t *Transformer) normalize(data gjson.Result) ([]Record, error) {
	switch {
	case data.IsArray():
		items := data.Array()
		records := make([]Record, 0, len(items))
		for i, item := range items {
			rec, err := decodeRecord(item)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			records = append(records, rec)
		}
		return records, nil

	case data.IsObject():
		if len(data.Map()) == 0 {
			return []Record{}, nil
		}
		if _, single := lookupKey(data, t.idKey()); single {
			rec, err := decodeRecord(data)
			if err != nil {
				return nil, err
			}
			return []Record{rec}, nil
		}
		if items, indexed := indexedItems(data); indexed {
			records := make([]Record, 0, len(items))
			for _, item := range items {
				rec, err := decodeRecord(item.value)
				if err != nil {
					return nil, fmt.Errorf("record %d: %w", item.index, err)
				}
				records = append(records, rec)
			}
			return records, nil
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		return []Record{rec}, nil

	default:
		return nil, fmt.Errorf("unexpected %s in data", data.Type)
	}
}

type indexedItem struct {
	index int
	value gjson.Result
}

// indexedItems reports whether every key of obj is a non-negative integer
// and returns the values ordered by that index.
func indexedItems(obj gjson.Result) ([]indexedItem, bool) {
	var items []indexedItem
	indexed := true
	obj.ForEach(func(key, value gjson.Result) bool {
		n, err := strconv.Atoi(key.String())
		if err != nil || n < 0 {
			indexed = false
			return false
		}
		items = append(items, indexedItem{index: n, value: value})
		return true
	})
	if !indexed || len(items) == 0 {
		return nil, false
	}
	sort.Slice(items, func(i, j int) bool { return items[i].index < items[j].index })
	return items, true
}

func decodeRecord(item gjson.Result) (Record, error) {
	if !item.IsObject() {
		return Record{}, fmt.Errorf("expected object, got %s", item.Type)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(item.Raw)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Record{}, err
	}
	return Record{fields: fields}, nil
}

// lookupKey finds key among the direct children of obj without
// interpreting it as a path.
func lookupKey(obj gjson.Result, key string) (gjson.Result, bool) {
	var found gjson.Result
	ok := false
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			found, ok = v, true
			return false
		}
		return true
	})
	return found, ok
}

func moreRecords(root gjson.Result) (more, present bool) {
	for _, path := range []string{"info.more_records", "more_records"} {
		if v := root.Get(path); v.Exists() {
			return v.Bool(), true
		}
	}
	return false, false
}
