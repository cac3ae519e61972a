package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraqueue/internal/circulation"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestCatalogClient_FetchByID(t *testing.T) {
	item := circulation.Item{ID: uuid.New(), Barcode: "0001", Status: circulation.ItemStatusCheckedOut, Version: 2}

	r := chi.NewRouter()
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != item.ID.String() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, item)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewCatalogClient(srv.URL)

	got, err := c.FetchByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item, *got)

	_, err = c.FetchByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, circulation.ErrItemNotFound)
}

func TestCatalogClient_FetchByBarcode(t *testing.T) {
	item := circulation.Item{ID: uuid.New(), Barcode: "a b/1", Status: circulation.ItemStatusAvailable}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("barcode") != item.Barcode {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL)

	got, err := c.FetchByBarcode(context.Background(), item.Barcode)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)

	_, err = c.FetchByBarcode(context.Background(), "unknown")
	assert.ErrorIs(t, err, circulation.ErrItemNotFound)
}

func TestCatalogClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	item := circulation.Item{ID: uuid.New(), Status: circulation.ItemStatusAvailable}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}))
	defer srv.Close()

	got, err := NewCatalogClient(srv.URL, WithMaxTries(3)).FetchByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCatalogClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewCatalogClient(srv.URL).FetchByID(context.Background(), uuid.New())
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCatalogClient_Update(t *testing.T) {
	current := 3
	var received struct {
		Status  circulation.ItemStatus `json:"status"`
		Version int                    `json:"version"`
	}

	r := chi.NewRouter()
	r.Put("/items/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		if received.Version != current {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewCatalogClient(srv.URL)
	item := circulation.Item{ID: uuid.New(), Status: circulation.ItemStatusPaged, Version: 3}

	require.NoError(t, c.Update(context.Background(), item))
	assert.Equal(t, circulation.ItemStatusPaged, received.Status)

	item.Version = 2
	assert.ErrorIs(t, c.Update(context.Background(), item), circulation.ErrEditConflict)
}

func TestMembershipClient_GetUser(t *testing.T) {
	user := circulation.User{ID: uuid.New(), Barcode: "u-1", Active: true, PatronGroupID: uuid.New()}

	r := chi.NewRouter()
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != user.ID.String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, user)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewMembershipClient(srv.URL)

	got, err := c.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user, *got)

	_, err = c.GetUser(context.Background(), uuid.New())
	assert.ErrorIs(t, err, circulation.ErrUserNotFound)
}
