package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/domain"
	"chatlink/internal/rest"
)

func TestSendMessageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messaging/conversations/c1/messages/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var in rest.SendMessageInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "hello", in.Content)
		assert.Equal(t, "tmp-1", in.ClientID)

		json.NewEncoder(w).Encode(domain.Message{
			ID:             "m42",
			ClientID:       in.ClientID,
			ConversationID: in.ConversationID,
			Content:        in.Content,
			Type:           in.Type,
			Status:         domain.StatusSent,
			Timestamp:      time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := rest.NewClient(srv.URL, "tok")
	msg, err := c.SendMessage(context.Background(), rest.SendMessageInput{
		ConversationID: "c1",
		Content:        "hello",
		ClientID:       "tmp-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "m42", msg.ID)
	assert.Equal(t, "tmp-1", msg.ClientID)
	assert.Equal(t, domain.MessageText, msg.Type, "type defaults to text")
}

func TestErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuth},
		{"forbidden", http.StatusForbidden, domain.ErrAuth},
		{"bad request", http.StatusBadRequest, domain.ErrServerRejected},
		{"server error", http.StatusInternalServerError, domain.ErrServerRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tc.name, tc.status)
			}))
			defer srv.Close()

			c := rest.NewClient(srv.URL, "tok")
			_, err := c.SendMessage(context.Background(), rest.SendMessageInput{
				ConversationID: "c1",
				Content:        "x",
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUnreachableServerIsNetworkUnavailable(t *testing.T) {
	c := rest.NewClient("http://127.0.0.1:1", "tok")
	_, err := c.SendMessage(context.Background(), rest.SendMessageInput{
		ConversationID: "c1",
		Content:        "x",
	})
	assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
}

func TestInputValidation(t *testing.T) {
	c := rest.NewClient("http://unused", "tok")

	_, err := c.SendMessage(context.Background(), rest.SendMessageInput{Content: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = c.SendMessage(context.Background(), rest.SendMessageInput{ConversationID: "c1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	long := make([]rune, 5001)
	for i := range long {
		long[i] = 'a'
	}
	_, err = c.SendMessage(context.Background(), rest.SendMessageInput{ConversationID: "c1", Content: string(long)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestListMessagesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messaging/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "cur123", r.URL.Query().Get("cursor"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "older", r.URL.Query().Get("direction"))

		json.NewEncoder(w).Encode(rest.MessagePage{
			Messages:   []domain.Message{{ID: "m1", ConversationID: "c1"}},
			NextCursor: "cur124",
			HasMore:    true,
		})
	}))
	defer srv.Close()

	c := rest.NewClient(srv.URL, "tok")
	page, err := c.ListMessages(context.Background(), "c1", rest.PageOptions{
		Cursor:    "cur123",
		Limit:     50,
		Direction: "older",
	})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, "cur124", page.NextCursor)
	require.Len(t, page.Messages, 1)
}

func TestDeleteAndReactions(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := rest.NewClient(srv.URL, "tok")
	require.NoError(t, c.DeleteMessage(context.Background(), "m1"))
	require.NoError(t, c.AddReaction(context.Background(), "m1", "like"))
	require.NoError(t, c.RemoveReaction(context.Background(), "m1", "like"))

	assert.Equal(t, []string{
		"DELETE /messaging/messages/m1/",
		"POST /messaging/messages/m1/reactions/like/",
		"DELETE /messaging/messages/m1/reactions/like/",
	}, paths)
}
