package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestAuthDisabledLeavesMutationsOpen(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPut, env.http.URL+"/api/settings", "", core.IntegrationSettings{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAuthGuardsMutatingRoutes(t *testing.T) {
	env := newTestEnvWithKey(t, "root-token")

	// No key.
	resp := doJSON(t, http.MethodPut, env.http.URL+"/api/settings", "", core.IntegrationSettings{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	// Wrong key.
	resp = doJSON(t, http.MethodPut, env.http.URL+"/api/settings", "nope", core.IntegrationSettings{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad-key status = %d", resp.StatusCode)
	}

	// Root key.
	resp = doJSON(t, http.MethodPut, env.http.URL+"/api/settings", "root-token", core.IntegrationSettings{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("root-key status = %d", resp.StatusCode)
	}

	// Reads stay open.
	getResp, err := http.Get(env.http.URL + "/api/funnels")
	if err != nil {
		t.Fatalf("get funnels: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("open read status = %d", getResp.StatusCode)
	}
}

func TestAuthAcceptsXAPIKeyHeader(t *testing.T) {
	env := newTestEnvWithKey(t, "root-token")

	raw, _ := json.Marshal(core.IntegrationSettings{})
	req, _ := http.NewRequest(http.MethodPut, env.http.URL+"/api/settings", bytes.NewReader(raw))
	req.Header.Set("X-API-Key", "root-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put settings: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestManagedKeyLifecycle(t *testing.T) {
	env := newTestEnvWithKey(t, "root-token")

	// Mint a key with the root key.
	resp := doJSON(t, http.MethodPost, env.http.URL+"/api/keys", "root-token", map[string]string{"name": "zapier"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Token string `json:"token"`
	}
	decodeJSON(t, resp, &created)
	if created.ID == "" || created.Token == "" {
		t.Fatalf("created key = %+v", created)
	}

	// The minted key authenticates.
	resp = doJSON(t, http.MethodPut, env.http.URL+"/api/settings", created.Token, core.IntegrationSettings{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted-key status = %d", resp.StatusCode)
	}

	// Listing never exposes the token.
	resp = doJSON(t, http.MethodGet, env.http.URL+"/api/keys", "root-token", nil)
	var listed []map[string]any
	decodeJSON(t, resp, &listed)
	if len(listed) != 1 || listed[0]["name"] != "zapier" {
		t.Fatalf("listed keys = %v", listed)
	}
	if _, ok := listed[0]["token"]; ok {
		t.Fatal("list response leaked the token")
	}
	if _, ok := listed[0]["hash"]; ok {
		t.Fatal("list response leaked the hash")
	}

	// Revoking the key locks it out.
	resp = doJSON(t, http.MethodDelete, env.http.URL+"/api/keys/"+created.ID, "root-token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPut, env.http.URL+"/api/settings", created.Token, core.IntegrationSettings{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked-key status = %d", resp.StatusCode)
	}
}

func TestCreateKeyRequiresName(t *testing.T) {
	env := newTestEnvWithKey(t, "root-token")

	resp := doJSON(t, http.MethodPost, env.http.URL+"/api/keys", "root-token", map[string]string{"name": "  "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
