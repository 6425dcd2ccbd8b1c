package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vipul43/voucher-worker/internal/models"
	"github.com/vipul43/voucher-worker/internal/source"
)

// fakeGmail serves the subset of the Gmail API the client uses
type fakeGmail struct {
	mu sync.Mutex

	listPages   map[string]*gmail.ListMessagesResponse
	messages    map[string]*gmail.Message
	history     *gmail.ListHistoryResponse
	historyCode int
	listCode    int
	profileID   uint64

	queries  []string
	modified []string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		listPages: map[string]*gmail.ListMessagesResponse{},
		messages:  map[string]*gmail.Message{},
	}
}

func (f *fakeGmail) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &gmail.Profile{EmailAddress: "me@example.com", HistoryId: f.profileID})
	})

	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		f.mu.Unlock()
		if f.listCode != 0 {
			writeError(w, f.listCode)
			return
		}
		page, ok := f.listPages[r.URL.Query().Get("pageToken")]
		if !ok {
			page = &gmail.ListMessagesResponse{}
		}
		writeJSON(w, page)
	})

	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		msg, ok := f.messages[r.PathValue("id")]
		if !ok {
			writeError(w, http.StatusNotFound)
			return
		}
		writeJSON(w, msg)
	})

	mux.HandleFunc("POST /gmail/v1/users/me/messages/batchModify", func(w http.ResponseWriter, r *http.Request) {
		var req gmail.BatchModifyMessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.modified = append(f.modified, req.Ids...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if f.historyCode != 0 {
			writeError(w, f.historyCode)
			return
		}
		writeJSON(w, f.history)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"fake error"}}`, code)
}

func fakeMessage(id, from, html string, internal time.Time) *gmail.Message {
	return &gmail.Message{
		Id:           id,
		ThreadId:     "t-" + id,
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: internal.UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: from},
				{Name: "Subject", Value: "Your voucher " + id},
				{Name: "Date", Value: internal.Format(time.RFC1123Z)},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("text " + id))}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte(html))}},
			},
		},
	}
}

func newTestClient(t *testing.T, fake *fakeGmail) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), 2,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, seq source.Sequence) ([]string, error) {
	t.Helper()
	var ids []string
	for msg, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

var filter = source.Filter{Sender: "gifts@gyftr.com"}

func TestBoundedScan_ChronologicalAcrossPages(t *testing.T) {
	fake := newFakeGmail()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fake.listPages[""] = &gmail.ListMessagesResponse{
		Messages:      []*gmail.Message{{Id: "m4"}, {Id: "m3"}},
		NextPageToken: "p2",
	}
	fake.listPages["p2"] = &gmail.ListMessagesResponse{
		Messages: []*gmail.Message{{Id: "m2"}, {Id: "m1"}},
	}
	fake.messages["m1"] = fakeMessage("m1", "GyFTR <gifts@gyftr.com>", "<p>one</p>", base)
	fake.messages["m2"] = fakeMessage("m2", "promo@example.com", "<p>two</p>", base.Add(time.Hour))
	fake.messages["m4"] = fakeMessage("m4", "gifts@gyftr.com", "<p>four</p>", base.Add(3*time.Hour))
	// m3 was deleted between listing and fetching

	c := newTestClient(t, fake)
	ids, err := collect(t, c.BoundedScan(context.Background(), filter, 3))
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m4"}, ids)
	require.NotEmpty(t, fake.queries)
	assert.Equal(t, "from:gifts@gyftr.com", fake.queries[0])
}

func TestBoundedScan_ParsesMessage(t *testing.T) {
	fake := newFakeGmail()
	internal := time.Date(2025, 1, 14, 5, 0, 0, 0, time.UTC)
	fake.listPages[""] = &gmail.ListMessagesResponse{Messages: []*gmail.Message{{Id: "m1"}}}
	fake.messages["m1"] = fakeMessage("m1", "gifts@gyftr.com", "<b>voucher</b>", internal)

	c := newTestClient(t, fake)
	var got []models.RawMessage
	for msg, err := range c.BoundedScan(context.Background(), filter, 10) {
		require.NoError(t, err)
		got = append(got, msg)
	}

	require.Len(t, got, 1)
	assert.Equal(t, "t-m1", got[0].ThreadID)
	assert.Equal(t, "Your voucher m1", got[0].Subject)
	assert.Equal(t, "text m1", got[0].BodyText)
	assert.Equal(t, "<b>voucher</b>", got[0].BodyHTML)
	assert.True(t, got[0].InternalDate.Equal(internal))
	assert.Contains(t, got[0].Labels, "UNREAD")
}

func TestBoundedScan_QueryCarriesFilter(t *testing.T) {
	fake := newFakeGmail()
	c := newTestClient(t, fake)

	after := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := source.Filter{Sender: "gifts@gyftr.com", Subject: "e-Gift", After: after, UnreadOnly: true}
	ids, err := collect(t, c.BoundedScan(context.Background(), f, 10))
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.Len(t, fake.queries, 1)
	assert.Equal(t, `from:gifts@gyftr.com subject:"e-Gift" after:1740787200 is:unread`, fake.queries[0])
}

func TestBoundedScan_UnavailableOnAPIError(t *testing.T) {
	fake := newFakeGmail()
	fake.listCode = http.StatusForbidden
	c := newTestClient(t, fake)

	_, err := collect(t, c.BoundedScan(context.Background(), filter, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrUnavailable))
}

func historyFixture(t *testing.T) *fakeGmail {
	t.Helper()
	fake := newFakeGmail()
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	fake.history = &gmail.ListHistoryResponse{
		HistoryId: 110,
		History: []*gmail.History{
			{Id: 101, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "m1"}}}},
			{Id: 102, MessagesAdded: []*gmail.HistoryMessageAdded{
				{Message: &gmail.Message{Id: "m1"}},
				{Message: &gmail.Message{Id: "m2"}},
			}},
			{Id: 103, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "d1", LabelIds: []string{"DRAFT"}}}}},
			{Id: 104, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "m3"}}}},
		},
	}
	fake.messages["m1"] = fakeMessage("m1", "gifts@gyftr.com", "<p>1</p>", base)
	fake.messages["m2"] = fakeMessage("m2", "gifts@gyftr.com", "<p>2</p>", base.Add(time.Minute))
	fake.messages["m3"] = fakeMessage("m3", "someone@example.com", "<p>3</p>", base.Add(2*time.Minute))
	return fake
}

func TestDeltaScan_FullConsumption(t *testing.T) {
	c := newTestClient(t, historyFixture(t))

	delta, err := c.DeltaScan(context.Background(), "100", filter, 10)
	require.NoError(t, err)
	assert.Equal(t, "", delta.Position())

	ids, err := collect(t, delta.Messages)
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, ids)
	assert.Equal(t, "110", delta.Token())
	assert.Equal(t, "104", delta.Position())
}

func TestDeltaScan_PositionCoversConsumedPrefix(t *testing.T) {
	c := newTestClient(t, historyFixture(t))

	delta, err := c.DeltaScan(context.Background(), "100", filter, 10)
	require.NoError(t, err)

	for msg, err := range delta.Messages {
		require.NoError(t, err)
		if msg.ID == "m2" {
			break
		}
	}
	// m2 was handed out but the consumer stopped on it
	assert.Equal(t, "101", delta.Position())
}

func TestDeltaScan_TokenErrors(t *testing.T) {
	t.Run("malformed token", func(t *testing.T) {
		c := newTestClient(t, newFakeGmail())
		_, err := c.DeltaScan(context.Background(), "not-a-history-id", filter, 10)
		assert.ErrorIs(t, err, source.ErrTokenExpired)
	})

	t.Run("history expired", func(t *testing.T) {
		fake := newFakeGmail()
		fake.historyCode = http.StatusNotFound
		c := newTestClient(t, fake)

		delta, err := c.DeltaScan(context.Background(), "5", filter, 10)
		require.NoError(t, err)
		_, err = collect(t, delta.Messages)
		assert.ErrorIs(t, err, source.ErrTokenExpired)
	})
}

func TestCurrentToken(t *testing.T) {
	fake := newFakeGmail()
	fake.profileID = 900
	c := newTestClient(t, fake)

	token, err := c.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "900", token)
}

func TestMarkRead(t *testing.T) {
	fake := newFakeGmail()
	c := newTestClient(t, fake)

	require.NoError(t, c.MarkRead(context.Background(), []string{"m1", "m2"}))
	assert.Equal(t, []string{"m1", "m2"}, fake.modified)
}

func TestHistoryItems(t *testing.T) {
	records := []*gmail.History{
		{Id: 10},
		{Id: 11, MessagesAdded: []*gmail.HistoryMessageAdded{
			{Message: &gmail.Message{Id: "a"}},
			{Message: &gmail.Message{Id: "b"}},
		}},
	}

	items := historyItems(records, map[string]bool{})
	assert.Equal(t, []historyItem{
		{safeAfter: "10"},
		{messageID: "a", safeAfter: "10"},
		{messageID: "b", safeAfter: "11"},
	}, items)
}

func TestDecodeBody(t *testing.T) {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding} {
		got, err := decodeBody(enc.EncodeToString([]byte("héllo ✓")))
		require.NoError(t, err)
		assert.Equal(t, "héllo ✓", got)
	}
}
