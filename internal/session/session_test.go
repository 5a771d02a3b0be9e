package session_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/config"
	"chatlink/internal/connmgr"
	"chatlink/internal/devserver"
	"chatlink/internal/domain"
	"chatlink/internal/kv"
	"chatlink/internal/session"
)

func signToken(t *testing.T, sub, name string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "name": name, "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("dev-secret"))
	require.NoError(t, err)
	return token
}

type testEnv struct {
	server *devserver.Server
	httpd  *httptest.Server
	wsURL  string
}

func startServer(t *testing.T) *testEnv {
	t.Helper()
	srv := devserver.New()
	srv.SeedConversation(domain.Conversation{
		ID:   "c1",
		Type: domain.ConversationGroup,
		Participants: []domain.Sender{
			{ID: "alice", DisplayName: "Alice"},
			{ID: "bob", DisplayName: "Bob"},
		},
	})
	httpd := httptest.NewServer(srv.Router())
	t.Cleanup(httpd.Close)
	return &testEnv{
		server: srv,
		httpd:  httpd,
		wsURL:  "ws" + strings.TrimPrefix(httpd.URL, "http") + "/ws",
	}
}

func (e *testEnv) newSession(t *testing.T, user string) *session.Session {
	t.Helper()
	cfg := &config.Config{
		ServerURL:      e.httpd.URL,
		WebsocketURL:   e.wsURL,
		AuthToken:      signToken(t, user, user),
		TypingExpiry:   300 * time.Millisecond,
		TypingDebounce: 150 * time.Millisecond,
	}
	s, err := session.New(cfg, kv.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func startSession(t *testing.T, e *testEnv, user string) *session.Session {
	t.Helper()
	s := e.newSession(t, user)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return s.ConnectionState() == connmgr.StateConnected
	}, 3*time.Second, 10*time.Millisecond, "session %s never connected", user)
	return s
}

func TestSendIsConfirmedAndBroadcast(t *testing.T) {
	env := startServer(t)
	alice := startSession(t, env, "alice")
	bob := startSession(t, env, "bob")

	tempID, err := alice.SendText("c1", "hello bob")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tempID, "tmp-"))

	// sender side: exactly one entry, reconciled onto the server id
	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		return len(msgs) == 1 && strings.HasPrefix(msgs[0].ID, "srv-")
	}, 3*time.Second, 10*time.Millisecond)
	msgs := alice.Messages("c1")
	assert.Equal(t, domain.StatusSent, msgs[0].Status)
	assert.Equal(t, "hello bob", msgs[0].Content)

	// receiver side: broadcast arrives over the socket
	require.Eventually(t, func() bool {
		msgs := bob.Messages("c1")
		return len(msgs) == 1 && msgs[0].Sender.ID == "alice"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOfflineSendDrainsAfterStart(t *testing.T) {
	env := startServer(t)
	alice := env.newSession(t, "alice")

	// enqueue before any connection exists
	tempID, err := alice.SendText("c1", "queued while offline")
	require.NoError(t, err)

	msgs := alice.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusSending, msgs[0].Status)
	assert.Len(t, alice.PendingSends("c1"), 1)

	require.NoError(t, alice.Start(context.Background()))

	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == domain.StatusSent
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, alice.PendingSends("c1"))
	_, found := findByID(alice.Messages("c1"), tempID)
	assert.False(t, found, "temporary id replaced by the server id")
}

func TestTypingIndicatorPropagatesAndExpires(t *testing.T) {
	env := startServer(t)
	alice := startSession(t, env, "alice")
	bob := startSession(t, env, "bob")

	require.NoError(t, alice.SwitchConversation(context.Background(), "c1"))
	require.NoError(t, bob.SwitchConversation(context.Background(), "c1"))

	alice.Keystroke("c1")
	require.Eventually(t, func() bool {
		users := bob.TypingUsers("c1")
		return len(users) == 1 && users[0] == "alice"
	}, 3*time.Second, 10*time.Millisecond)

	// no further keystrokes: the debouncer emits a stop, or expiry clears it
	require.Eventually(t, func() bool {
		return len(bob.TypingUsers("c1")) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReadReceiptReachesSender(t *testing.T) {
	env := startServer(t)
	alice := startSession(t, env, "alice")
	bob := startSession(t, env, "bob")

	_, err := alice.SendText("c1", "read me")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.Messages("c1")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	bob.MarkRead("c1")

	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		if len(msgs) != 1 {
			return false
		}
		for _, u := range msgs[0].ReadBy {
			if u == "bob" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StatusRead, alice.Messages("c1")[0].Status)
}

func TestEditAndDeletePropagate(t *testing.T) {
	env := startServer(t)
	alice := startSession(t, env, "alice")
	bob := startSession(t, env, "bob")

	_, err := alice.SendText("c1", "first draft")
	require.NoError(t, err)

	var serverID string
	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		if len(msgs) == 1 && strings.HasPrefix(msgs[0].ID, "srv-") {
			serverID = msgs[0].ID
			return true
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.EditMessage(context.Background(), serverID, "final version"))
	require.Eventually(t, func() bool {
		msgs := bob.Messages("c1")
		return len(msgs) == 1 && msgs[0].Content == "final version" && msgs[0].IsEdited
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.DeleteMessage(context.Background(), serverID))
	require.Eventually(t, func() bool {
		return len(bob.Messages("c1")) == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, alice.Messages("c1"))
}

func TestReactionsRoundTrip(t *testing.T) {
	env := startServer(t)
	alice := startSession(t, env, "alice")

	_, err := alice.SendText("c1", "react to me")
	require.NoError(t, err)

	var serverID string
	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		if len(msgs) == 1 && strings.HasPrefix(msgs[0].ID, "srv-") {
			serverID = msgs[0].ID
			return true
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.React(context.Background(), serverID, "like"))
	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		return len(msgs) == 1 && len(msgs[0].Reactions["like"]) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Unreact(context.Background(), serverID, "like"))
	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		return len(msgs) == 1 && len(msgs[0].Reactions["like"]) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDraftsPersistAcrossSessions(t *testing.T) {
	env := startServer(t)
	store := kv.NewMemoryStore()
	cfg := &config.Config{
		ServerURL:    env.httpd.URL,
		WebsocketURL: env.wsURL,
		AuthToken:    signToken(t, "alice", "Alice"),
		EncryptKey:   "draft-secret",
	}

	s1, err := session.New(cfg, store)
	require.NoError(t, err)
	require.NoError(t, s1.SetDraft("c1", "half-written thought"))
	require.NoError(t, s1.Close())

	// the raw store must not contain the plaintext
	entries, err := store.List("draft:")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, string(entries[0].Value), "half-written")

	s2, err := session.New(cfg, store)
	require.NoError(t, err)
	defer s2.Close()
	draft, err := s2.Draft("c1")
	require.NoError(t, err)
	assert.Equal(t, "half-written thought", draft)

	require.NoError(t, s2.SetDraft("c1", ""))
	draft, err = s2.Draft("c1")
	require.NoError(t, err)
	assert.Empty(t, draft)
}

func TestInvalidTokenIsRejected(t *testing.T) {
	cfg := &config.Config{
		ServerURL:    "http://localhost:0",
		WebsocketURL: "ws://localhost:0/ws",
		AuthToken:    "not-a-jwt",
	}
	_, err := session.New(cfg, kv.NewMemoryStore())
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func findByID(msgs []domain.Message, id string) (domain.Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}
