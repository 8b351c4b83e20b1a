package search

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/shared/daterange"
)

type TypeFilter string

const (
	TypeAll   TypeFilter = "all"
	TypeText  TypeFilter = "text"
	TypeOffer TypeFilter = "offer"
	TypeFile  TypeFilter = "file"
)

// ParseType maps a query parameter onto a filter; blank means all.
func ParseType(raw string) (TypeFilter, error) {
	switch f := TypeFilter(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return TypeAll, nil
	case TypeAll, TypeText, TypeOffer, TypeFile:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown type filter %q", messages.ErrValidation, raw)
	}
}

// ConversationRef identifies the conversation owning an indexed message.
type ConversationRef struct {
	ID         string
	ListingRef string
	BuyerID    string
	SellerID   string
}

func (c ConversationRef) involves(participantID string) bool {
	return participantID == c.BuyerID || participantID == c.SellerID
}

type Query struct {
	Text          string
	Type          TypeFilter
	Window        daterange.Window
	ParticipantID string
}

// Span is a half-open byte range into the matched field value.
type Span struct {
	Start int
	End   int
}

type Match struct {
	Conversation ConversationRef
	Message      messages.Message
	// Field names what matched: body for text, kind/amount/currency/state
	// for offers, kind/file_name for files.
	Field        string
	Value        string
	Spans        []Span
}

type doc struct {
	conv ConversationRef
	msg  messages.Message
}

func (d *doc) less(o *doc) bool { return messages.Less(d.msg, o.msg) }

// Index holds immutable message snapshots sorted by (CreatedAt, ID), globally
// and per kind. Writers replace documents; readers never see partial state.
type Index struct {
	mu     sync.RWMutex
	all    []*doc
	byKind map[messages.Kind][]*doc
	byID   map[docKey]*doc
}

// Message ids are only unique within their conversation.
type docKey struct {
	conversationID string
	messageID      string
}

func keyOf(msg messages.Message) docKey {
	return docKey{conversationID: msg.ConversationID, messageID: msg.ID}
}

func NewIndex() *Index {
	return &Index{
		byKind: make(map[messages.Kind][]*doc),
		byID:   make(map[docKey]*doc),
	}
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.all)
}

// Add indexes a message. Re-adding a known id behaves like Update.
func (ix *Index) Add(conv ConversationRef, msg messages.Message) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	d := &doc{conv: conv, msg: msg}
	if old, ok := ix.byID[keyOf(msg)]; ok {
		ix.replaceLocked(old, d)
		return
	}
	ix.byID[keyOf(msg)] = d
	ix.all = insertDoc(ix.all, d)
	kind := msg.Kind()
	ix.byKind[kind] = insertDoc(ix.byKind[kind], d)
}

// Update swaps the snapshot of an indexed message, e.g. after an offer
// transition. Messages not yet indexed are ignored.
func (ix *Index) Update(msg messages.Message) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	old, ok := ix.byID[keyOf(msg)]
	if !ok {
		return
	}
	ix.replaceLocked(old, &doc{conv: old.conv, msg: msg})
}

func (ix *Index) replaceLocked(old, next *doc) {
	// Identity and timestamp never change, so the position is stable.
	next.msg.CreatedAt = old.msg.CreatedAt
	ix.byID[keyOf(old.msg)] = next
	replaceDoc(ix.all, old, next)
	replaceDoc(ix.byKind[old.msg.Kind()], old, next)
}

func insertDoc(list []*doc, d *doc) []*doc {
	n := len(list)
	if n == 0 || list[n-1].less(d) {
		return append(list, d)
	}
	pos := sort.Search(n, func(i int) bool { return d.less(list[i]) })
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = d
	return list
}

func replaceDoc(list []*doc, old, next *doc) {
	pos := sort.Search(len(list), func(i int) bool { return !list[i].less(old) })
	if pos < len(list) && list[pos] == old {
		list[pos] = next
	}
}

// Search yields matches newest first. The candidate set is fixed when Search
// is called; iteration is lazy and may stop early. A blank query yields
// nothing.
func (ix *Index) Search(q Query) iter.Seq[Match] {
	needle := strings.TrimSpace(q.Text)
	if needle == "" {
		return func(func(Match) bool) {}
	}
	docs := ix.candidates(q.Type, q.Window)
	return func(yield func(Match) bool) {
		for i := len(docs) - 1; i >= 0; i-- {
			d := docs[i]
			if q.ParticipantID != "" && !d.conv.involves(q.ParticipantID) {
				continue
			}
			m, ok := matchDoc(d, needle)
			if !ok {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// Collect drains up to limit matches (all when limit <= 0).
func Collect(seq iter.Seq[Match], limit int) []Match {
	var out []Match
	for m := range seq {
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (ix *Index) candidates(filter TypeFilter, window daterange.Window) []*doc {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var list []*doc
	switch filter {
	case TypeText:
		list = ix.byKind[messages.KindText]
	case TypeOffer:
		list = ix.byKind[messages.KindOffer]
	case TypeFile:
		list = ix.byKind[messages.KindFile]
	default:
		list = ix.all
	}
	lo := sort.Search(len(list), func(i int) bool { return window.NotBeforeStart(list[i].msg.CreatedAt) })
	hi := sort.Search(len(list), func(i int) bool { return !window.NotAfterEnd(list[i].msg.CreatedAt) })
	if lo >= hi {
		return nil
	}
	out := make([]*doc, hi-lo)
	copy(out, list[lo:hi])
	return out
}

type field struct {
	name  string
	value string
}

func fieldsOf(msg messages.Message) []field {
	switch c := msg.Content.(type) {
	case messages.Text:
		return []field{{"body", c.Body}}
	case messages.Offer:
		return []field{
			{"kind", string(messages.KindOffer)},
			{"amount", c.Amount.AmountString()},
			{"currency", c.Amount.Currency},
			{"state", string(c.State)},
		}
	case messages.File:
		return []field{
			{"kind", string(messages.KindFile)},
			{"file_name", c.FileName},
		}
	default:
		return nil
	}
}

func matchDoc(d *doc, needle string) (Match, bool) {
	for _, f := range fieldsOf(d.msg) {
		spans := findFold(f.value, needle)
		if len(spans) == 0 {
			continue
		}
		return Match{Conversation: d.conv, Message: d.msg, Field: f.name, Value: f.value, Spans: spans}, true
	}
	return Match{}, false
}

// findFold returns the non-overlapping case-insensitive occurrences of needle
// in haystack as byte offsets into haystack.
func findFold(haystack, needle string) []Span {
	var spans []Span
	for i := 0; i < len(haystack); {
		if end, ok := prefixFold(haystack[i:], needle); ok {
			spans = append(spans, Span{Start: i, End: i + end})
			i += end
			continue
		}
		_, size := utf8.DecodeRuneInString(haystack[i:])
		i += size
	}
	return spans
}

func prefixFold(s, prefix string) (int, bool) {
	n := 0
	for _, want := range prefix {
		if n >= len(s) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(s[n:])
		if !equalFold(got, want) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func equalFold(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}
