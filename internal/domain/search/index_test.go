package search_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/search"
	"dealroom/internal/domain/shared/daterange"
	"dealroom/internal/domain/shared/money"
)

var (
	now  = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	conv = search.ConversationRef{ID: "c1", ListingRef: "example.eth", BuyerID: "buyer", SellerID: "seller"}
)

func message(id string, at time.Time, content messages.Content) messages.Message {
	return messages.Message{ID: id, ConversationID: conv.ID, SenderID: "buyer", CreatedAt: at, Content: content}
}

func ids(matches []search.Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Message.ID)
	}
	return out
}

func seeded() *search.Index {
	ix := search.NewIndex()
	ix.Add(conv, message("old-text", now.AddDate(0, 0, -10), messages.Text{Body: "my offer from last month"}))
	ix.Add(conv, message("text", now.AddDate(0, 0, -2), messages.Text{Body: "Is the OFFER still open? offer!"}))
	ix.Add(conv, message("offer", now.AddDate(0, 0, -1), messages.Offer{Amount: money.Must(15000, "USD"), State: messages.OfferPending}))
	ix.Add(conv, message("file", now.Add(-time.Hour), messages.File{FileName: "transfer-auth.pdf"}))
	ix.Add(conv, message("plain", now, messages.Text{Body: "thanks"}))
	return ix
}

func TestEmptyQueryReturnsNothing(t *testing.T) {
	ix := seeded()
	assert.Empty(t, search.Collect(ix.Search(search.Query{}), 0))
	assert.Empty(t, search.Collect(ix.Search(search.Query{Text: "   "}), 0))
}

func TestOfferQueryWithinWeek(t *testing.T) {
	ix := seeded()
	matches := search.Collect(ix.Search(search.Query{Text: "offer", Type: search.TypeAll, Window: daterange.LastDays(now, 7)}), 0)
	assert.Equal(t, []string{"offer", "text"}, ids(matches))

	assert.Equal(t, "kind", matches[0].Field)
	assert.Equal(t, "body", matches[1].Field)
	assert.Equal(t, []search.Span{{Start: 7, End: 12}, {Start: 25, End: 30}}, matches[1].Spans)
	assert.Equal(t, "OFFER", matches[1].Value[7:12])
}

func TestTypeFilter(t *testing.T) {
	ix := seeded()
	matches := search.Collect(ix.Search(search.Query{Text: "offer", Type: search.TypeOffer}), 0)
	require.Len(t, matches, 1)
	assert.Equal(t, messages.KindOffer, matches[0].Message.Kind())

	matches = search.Collect(ix.Search(search.Query{Text: "15000", Type: search.TypeOffer}), 0)
	require.Len(t, matches, 1)
	assert.Equal(t, "amount", matches[0].Field)

	matches = search.Collect(ix.Search(search.Query{Text: "AUTH", Type: search.TypeFile}), 0)
	require.Len(t, matches, 1)
	assert.Equal(t, "file_name", matches[0].Field)
	assert.Equal(t, []search.Span{{Start: 9, End: 13}}, matches[0].Spans)

	assert.Empty(t, search.Collect(ix.Search(search.Query{Text: "auth", Type: search.TypeText}), 0))
}

func TestWindowBoundsAreInclusive(t *testing.T) {
	ix := seeded()
	exact := now.AddDate(0, 0, -2)
	window, err := daterange.New(exact, exact)
	require.NoError(t, err)
	matches := search.Collect(ix.Search(search.Query{Text: "offer", Window: window}), 0)
	assert.Equal(t, []string{"text"}, ids(matches))
}

func TestSearchIsLazyAndNewestFirst(t *testing.T) {
	ix := seeded()
	var seen []string
	for m := range ix.Search(search.Query{Text: "e"}) {
		seen = append(seen, m.Message.ID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"file", "offer"}, seen)
}

func TestOutOfOrderAddAndUpdate(t *testing.T) {
	ix := search.NewIndex()
	ix.Add(conv, message("b", now, messages.Offer{Amount: money.Must(100, "USD"), State: messages.OfferPending}))
	ix.Add(conv, message("a", now.Add(-time.Minute), messages.Text{Body: "pending question"}))
	assert.Equal(t, 2, ix.Len())

	matches := search.Collect(ix.Search(search.Query{Text: "pending"}), 0)
	assert.Equal(t, []string{"b", "a"}, ids(matches))

	ix.Update(message("b", now, messages.Offer{Amount: money.Must(100, "USD"), State: messages.OfferAccepted}))
	matches = search.Collect(ix.Search(search.Query{Text: "accepted"}), 0)
	require.Len(t, matches, 1)
	assert.Equal(t, "state", matches[0].Field)
	assert.Equal(t, []string{"a"}, ids(search.Collect(ix.Search(search.Query{Text: "pending"}), 0)))
}

func TestParticipantFilter(t *testing.T) {
	ix := seeded()
	other := search.ConversationRef{ID: "c2", ListingRef: "other.eth", BuyerID: "carol", SellerID: "seller"}
	ix.Add(other, messages.Message{ID: "x", ConversationID: "c2", SenderID: "carol", CreatedAt: now, Content: messages.Text{Body: "offer?"}})

	assert.Equal(t, []string{"x"}, ids(search.Collect(ix.Search(search.Query{Text: "offer", ParticipantID: "carol"}), 0)))
	assert.Len(t, search.Collect(ix.Search(search.Query{Text: "offer", ParticipantID: "seller"}), 0), 4)
}

func TestParseType(t *testing.T) {
	f, err := search.ParseType("")
	require.NoError(t, err)
	assert.Equal(t, search.TypeAll, f)
	_, err = search.ParseType("images")
	assert.ErrorIs(t, err, messages.ErrValidation)
}

func TestSameMessageIDInTwoConversations(t *testing.T) {
	other := search.ConversationRef{ID: "c2", ListingRef: "other.eth", BuyerID: "buyer", SellerID: "seller"}
	ix := search.NewIndex()
	ix.Add(conv, message("m-1", now.Add(-time.Minute), messages.Text{Body: "alpha terms"}))
	beta := messages.Message{ID: "m-1", ConversationID: other.ID, SenderID: "seller", CreatedAt: now, Content: messages.File{FileName: "beta-deed.pdf"}}
	ix.Add(other, beta)
	require.Equal(t, 2, ix.Len())

	alpha := search.Collect(ix.Search(search.Query{Text: "alpha"}), 0)
	require.Len(t, alpha, 1)
	assert.Equal(t, conv.ID, alpha[0].Conversation.ID)

	files := search.Collect(ix.Search(search.Query{Text: "beta", Type: search.TypeFile}), 0)
	require.Len(t, files, 1)
	assert.Equal(t, other.ID, files[0].Conversation.ID)

	beta.Content = messages.File{FileName: "gamma-deed.pdf"}
	ix.Update(beta)
	assert.Empty(t, search.Collect(ix.Search(search.Query{Text: "beta"}), 0))
	assert.Len(t, search.Collect(ix.Search(search.Query{Text: "alpha", Type: search.TypeText}), 0), 1)
	assert.Len(t, search.Collect(ix.Search(search.Query{Text: "gamma", Type: search.TypeFile}), 0), 1)
}
