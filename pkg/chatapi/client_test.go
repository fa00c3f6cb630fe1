package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"chatsync/internal/errors"
	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token      string
	refreshed  string
	refreshErr error
	refreshes  int32
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) { return f.token, nil }

func (f *fakeTokens) Refresh(context.Context) (string, error) {
	atomic.AddInt32(&f.refreshes, 1)
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = f.refreshed
	return f.refreshed, nil
}

func (f *fakeTokens) UserID() string { return "u1" }

func setupTestClient(t *testing.T, handler http.HandlerFunc) (*ChatClient, *fakeTokens) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens := &fakeTokens{token: "old-token", refreshed: "new-token"}
	return NewClient(ClientConfig{BaseURL: server.URL + "/", Tokens: tokens}), tokens
}

func TestHistory_DirectAndGroupPaths(t *testing.T) {
	var paths []string
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "Bearer old-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[{"_id":"m1","senderId":"u2","receiverId":"u1","content":"hi","createdAt":"2024-03-01T10:00:00"},{"id":"x","content":"no sender"}]`)
	})

	msgs, err := client.History(context.Background(), models.DirectConversation("u2"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	_, err = client.History(context.Background(), models.GroupConversation("g1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"/message/chat-history/u2", "/message/chat-history/group/g1"}, paths)
}

func TestPinnedMessages_FiltersAndParams(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/all-pinned-messages", r.URL.Path)
		assert.Equal(t, "u1", r.URL.Query().Get("otherUserId"))
		assert.Equal(t, "g1", r.URL.Query().Get("groupId"))
		_, _ = io.WriteString(w, `[{"id":"p1","senderId":"u2","groupId":"g1","content":"a","pinned":true},{"id":"p2","senderId":"u2","groupId":"g1","content":"b","pinned":false}]`)
	})

	pinned, err := client.PinnedMessages(context.Background(), models.GroupConversation("g1"))
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, "p1", pinned[0].ID)
}

func TestSearch_Params(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/search", r.URL.Path)
		assert.Equal(t, "u2", r.URL.Query().Get("otherUserId"))
		assert.Equal(t, "lunch plans", r.URL.Query().Get("keyword"))
		assert.Empty(t, r.URL.Query().Get("groupId"))
		_, _ = io.WriteString(w, `[]`)
	})

	msgs, err := client.Search(context.Background(), models.DirectConversation("u2"), "lunch plans")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDo_RefreshesOnceOn401(t *testing.T) {
	var calls int32
	client, tokens := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer new-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})

	_, err := client.History(context.Background(), models.DirectConversation("u2"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestDo_SecondUnauthorizedForcesReauth(t *testing.T) {
	client, tokens := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.History(context.Background(), models.DirectConversation("u2"))
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestDo_RefreshFailureIsAuthError(t *testing.T) {
	client, tokens := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	tokens.refreshErr = fmt.Errorf("refresh token revoked")

	_, err := client.History(context.Background(), models.DirectConversation("u2"))
	assert.True(t, errors.IsAuth(err))
}

func TestDo_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		code      errors.ErrorCode
		retryable bool
	}{
		{http.StatusForbidden, errors.ErrCodeAuthorization, false},
		{http.StatusNotFound, errors.ErrCodeNotFound, false},
		{http.StatusInternalServerError, errors.ErrCodeNetwork, true},
		{http.StatusBadRequest, errors.ErrCodeValidationFailed, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			})

			_, err := client.History(context.Background(), models.DirectConversation("u2"))
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestDo_TransportFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()
	client := NewClient(ClientConfig{BaseURL: server.URL, Tokens: &fakeTokens{token: "t"}})

	_, err := client.History(context.Background(), models.DirectConversation("u2"))
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestDo_CancelledContext(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.History(ctx, models.DirectConversation("u2"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "cat.png")
	doc := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(img, []byte("png-bytes"), 0600))
	require.NoError(t, os.WriteFile(doc, []byte("text"), 0600))

	var attempts int32
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// the multipart body must be rebuilt for the retry after a refresh
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/message/upload-file", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "g1", r.FormValue("groupId"))
		files := r.MultipartForm.File["file"]
		if !assert.Len(t, files, 2) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "cat.png", files[0].Filename)
		assert.Equal(t, "image/png", files[0].Header.Get("Content-Type"))
		_ = json.NewEncoder(w).Encode([]string{"/files/cat.png", "/files/notes.txt"})
	})

	urls, err := client.Upload(context.Background(), models.GroupConversation("g1"), []string{img, doc})
	require.NoError(t, err)
	assert.Equal(t, []string{"/files/cat.png", "/files/notes.txt"}, urls)
}

func TestUpload_URLCountMismatch(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "cat.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0600))

	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})

	_, err := client.Upload(context.Background(), models.DirectConversation("u2"), []string{img})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternalError, errors.GetCode(err))
}

func TestUpload_RejectsTraversal(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})

	_, err := client.Upload(context.Background(), models.DirectConversation("u2"), []string{"../../secret"})
	assert.True(t, errors.IsValidation(err))
}
