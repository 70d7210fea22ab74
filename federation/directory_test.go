package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// actorServer serves a minimal actor document and counts fetches.
func actorServer(t *testing.T, publicPEM string) (*httptest.Server, string, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	actorURI := server.URL + "/users/carol"
	mux.HandleFunc("/users/carol", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		if accept := r.Header.Get("Accept"); accept != "application/activity+json" {
			t.Errorf("Unexpected Accept header: %s", accept)
		}
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprintf(w, `{
			"id": %q,
			"type": "Person",
			"preferredUsername": "carol",
			"name": "Carol",
			"inbox": %q,
			"outbox": %q,
			"endpoints": {"sharedInbox": %q},
			"publicKey": {"id": %q, "owner": %q, "publicKeyPem": %s}
		}`, actorURI, actorURI+"/inbox", actorURI+"/outbox",
			server.URL+"/inbox", actorURI+"#main-key", actorURI, mustJSON(publicPEM))
	})

	return server, actorURI, &fetches
}

func TestResolveFetchesAndCaches(t *testing.T) {
	_, publicPEM := generateTestKeyPair(t)
	_, actorURI, fetches := actorServer(t, publicPEM)

	store := newFakeStorage()
	directory := NewDirectory(store, testConf())

	remote, err := directory.Resolve(context.Background(), actorURI)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if remote.Username != "carol" {
		t.Errorf("Unexpected username: %s", remote.Username)
	}
	if remote.InboxURI != actorURI+"/inbox" {
		t.Errorf("Unexpected inbox: %s", remote.InboxURI)
	}
	if remote.SharedInboxURI == "" {
		t.Error("Expected shared inbox to be recorded")
	}
	if remote.PublicKeyPem != publicPEM {
		t.Error("Expected public key to be stored")
	}

	// Second resolve must come from cache.
	if _, err := directory.Resolve(context.Background(), actorURI); err != nil {
		t.Fatalf("Cached resolve failed: %v", err)
	}
	if fetches.Load() != 1 {
		t.Errorf("Expected 1 fetch, got %d", fetches.Load())
	}
}

func TestResolveRefreshesExpiredKeepingId(t *testing.T) {
	_, publicPEM := generateTestKeyPair(t)
	_, actorURI, fetches := actorServer(t, publicPEM)

	store := newFakeStorage()
	directory := NewDirectory(store, testConf())

	first, err := directory.Resolve(context.Background(), actorURI)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Age the cache entry past the TTL.
	store.mu.Lock()
	store.remoteAccounts[actorURI].LastFetchedAt = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	second, err := directory.Resolve(context.Background(), actorURI)
	if err != nil {
		t.Fatalf("Refresh resolve failed: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("Expected 2 fetches, got %d", fetches.Load())
	}
	if second.Id != first.Id {
		t.Error("Expected row id to survive refresh")
	}
}

func TestResolveInvalidateForcesRefetch(t *testing.T) {
	_, publicPEM := generateTestKeyPair(t)
	_, actorURI, fetches := actorServer(t, publicPEM)

	store := newFakeStorage()
	directory := NewDirectory(store, testConf())

	if _, err := directory.Resolve(context.Background(), actorURI); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	directory.Invalidate(actorURI)

	if _, err := directory.Resolve(context.Background(), actorURI); err != nil {
		t.Fatalf("Resolve after invalidate failed: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("Expected refetch after invalidate, got %d fetches", fetches.Load())
	}
}

func TestResolveCollapsesConcurrentFetches(t *testing.T) {
	_, publicPEM := generateTestKeyPair(t)

	var fetches atomic.Int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	actorURI := server.URL + "/users/carol"
	mux.HandleFunc("/users/carol", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintf(w, `{"id": %q, "inbox": %q, "publicKey": {"publicKeyPem": %s}}`,
			actorURI, actorURI+"/inbox", mustJSON(publicPEM))
	})

	directory := NewDirectory(newFakeStorage(), testConf())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := directory.Resolve(context.Background(), actorURI); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if fetches.Load() != 1 {
		t.Errorf("Expected concurrent resolves to collapse into 1 fetch, got %d", fetches.Load())
	}
}

func TestResolveErrors(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/incomplete", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id": "%s/incomplete", "type": "Person"}`, server.URL)
	})

	directory := NewDirectory(newFakeStorage(), testConf())

	tests := []struct {
		path string
		want error
	}{
		{"/missing", ErrActorNotFound},
		{"/gone", ErrActorNotFound},
		{"/flaky", ErrActorUnreachable},
		{"/incomplete", ErrActorMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := directory.Resolve(context.Background(), server.URL+tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestWebfingerRejectsInvalidHandles(t *testing.T) {
	directory := NewDirectory(newFakeStorage(), testConf())

	for _, handle := range []string{"", "alice", "@alice", "alice@", "@@"} {
		if _, err := directory.Webfinger(context.Background(), handle); !errors.Is(err, ErrActorMalformed) {
			t.Errorf("Webfinger(%q): expected ErrActorMalformed, got %v", handle, err)
		}
	}
}
