/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package parties

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperledger-labs/fabric-operations-console/internal/couchdb"
)

// fakeComponentsDB serves the subset of CouchDB the directory uses.
type fakeComponentsDB struct {
	mu      sync.Mutex
	docs    map[string]map[string]interface{}
	revs    map[string]int
	mspDocs []map[string]interface{}
}

func newFakeComponentsDB() *fakeComponentsDB {
	return &fakeComponentsDB{
		docs: map[string]map[string]interface{}{},
		revs: map[string]int{},
	}
}

func (f *fakeComponentsDB) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/components/_find", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		docs := make([]json.RawMessage, 0, len(f.mspDocs))
		for _, doc := range f.mspDocs {
			raw, _ := json.Marshal(doc)
			docs = append(docs, raw)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"docs": docs})
	})
	mux.HandleFunc("/components/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := strings.TrimPrefix(r.URL.Path, "/components/")
		switch r.Method {
		case http.MethodGet:
			doc, ok := f.docs[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":"not_found"}`)
				return
			}
			doc["_id"] = id
			doc["_rev"] = fmt.Sprintf("%d-x", f.revs[id])
			json.NewEncoder(w).Encode(doc)
		case http.MethodPut:
			var doc map[string]interface{}
			json.NewDecoder(r.Body).Decode(&doc)
			delete(doc, "_rev")
			f.docs[id] = doc
			f.revs[id]++
			fmt.Fprintf(w, `{"ok":true,"id":%q,"rev":"%d-x"}`, id, f.revs[id])
		}
	})
	return mux
}

func newTestDirectory(t *testing.T) (*Directory, *fakeComponentsDB) {
	fake := newFakeComponentsDB()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	instance, err := couchdb.NewInstance(couchdb.Config{URL: server.URL, MaxRetries: 2})
	require.NoError(t, err)
	return NewDirectory(instance.Database("components"), nil), fake
}

func TestGetAllLazilyCreatesExternalPartiesDoc(t *testing.T) {
	directory, fake := newTestDirectory(t)

	all, err := directory.GetAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)

	fake.mu.Lock()
	_, created := fake.docs[ExternalPartiesDocID]
	fake.mu.Unlock()
	require.True(t, created, "singleton should be created on first read")
}

func TestGetAllMergesLocalAndExternal(t *testing.T) {
	directory, fake := newTestDirectory(t)

	fake.mu.Lock()
	fake.docs[ExternalPartiesDocID] = map[string]interface{}{
		"type": "external_parties",
		"parties": map[string]interface{}{
			"Org2MSP": []map[string]interface{}{
				{"timestamp": 5, "optools_url": "https://org2.example.com", "certificate": "cert-ext"},
			},
		},
	}
	fake.revs[ExternalPartiesDocID] = 1
	fake.mspDocs = append(fake.mspDocs, map[string]interface{}{
		"type":               "msp",
		"msp_id":             "Org1MSP",
		"display_name":       "Org1",
		"host_url":           "https://org1.example.com",
		"root_certs":         []string{"cert-root"},
		"intermediate_certs": []string{"cert-inter"},
		"timestamp":          9,
	})
	fake.mu.Unlock()

	all, err := directory.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all["Org1MSP"], 2, "root and intermediate certs each become one entry")
	require.Len(t, all["Org2MSP"], 1)
	require.Equal(t, "external", all["Org2MSP"][0].Type)
	require.Equal(t, "msp", all["Org1MSP"][0].Type)

	certs, err := directory.CertsFor(context.Background(), "Org1MSP")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"cert-root", "cert-inter"}, certs)
}

func TestRegisterUpsertsByCertificate(t *testing.T) {
	directory, _ := newTestDirectory(t)

	err := directory.Register(context.Background(), []RegisterRequest{
		{MSPID: "Org2MSP", Certificate: "cert-a", OptoolsURL: "https://org2.example.com"},
	})
	require.NoError(t, err)

	// same certificate: replaced, not duplicated
	err = directory.Register(context.Background(), []RegisterRequest{
		{MSPID: "Org2MSP", Certificate: "cert-a", OptoolsURL: "https://org2.alternate.com", TimeoutMs: 9000},
	})
	require.NoError(t, err)

	// different certificate: appended
	err = directory.Register(context.Background(), []RegisterRequest{
		{MSPID: "Org2MSP", Certificate: "cert-b", OptoolsURL: "https://org2.example.com"},
	})
	require.NoError(t, err)

	all, err := directory.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all["Org2MSP"], 2)
	var urls []string
	for _, entry := range all["Org2MSP"] {
		urls = append(urls, entry.OptoolsURL)
	}
	require.Contains(t, urls, "https://org2.alternate.com")
}

func TestRegisterValidatesInput(t *testing.T) {
	directory, _ := newTestDirectory(t)

	require.Error(t, directory.Register(context.Background(), nil))
	require.Error(t, directory.Register(context.Background(), []RegisterRequest{{MSPID: "Org2MSP"}}))
}

func TestRemoveIsIdempotent(t *testing.T) {
	directory, _ := newTestDirectory(t)

	err := directory.Register(context.Background(), []RegisterRequest{
		{MSPID: "Org2MSP", Certificate: "cert-a", OptoolsURL: "https://org2.example.com"},
	})
	require.NoError(t, err)

	remove := []RemoveRequest{{MSPID: "Org2MSP", Certificate: "cert-a"}}
	require.NoError(t, directory.Remove(context.Background(), remove))
	// removing again matches nothing and still succeeds
	require.NoError(t, directory.Remove(context.Background(), remove))

	all, err := directory.GetAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, all["Org2MSP"])
}
