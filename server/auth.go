package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/m-demetrio/ZapOrganic-CRM/storage"
)

// APIKey is a stored API key record. The plaintext token is returned
// exactly once, on creation; only its hash is persisted.
type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

// KeyStore persists API keys through the versioned store.
type KeyStore struct {
	store *storage.Store
}

// NewKeyStore creates a KeyStore over the given store.
func NewKeyStore(store *storage.Store) *KeyStore {
	return &KeyStore{store: store}
}

func (s *KeyStore) load(ctx context.Context) (map[string]APIKey, error) {
	keys := map[string]APIKey{}
	if _, err := s.store.Load(ctx, storage.APIKeysKey, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Create mints a new key and returns the record plus the plaintext
// token.
func (s *KeyStore) Create(ctx context.Context, name string) (APIKey, string, error) {
	keys, err := s.load(ctx)
	if err != nil {
		return APIKey{}, "", err
	}

	token, err := generateToken()
	if err != nil {
		return APIKey{}, "", fmt.Errorf("generating api key: %w", err)
	}
	key := APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Hash:      hashToken(token),
		CreatedAt: time.Now().UTC(),
	}
	keys[key.ID] = key
	if err := s.store.Save(ctx, storage.APIKeysKey, keys); err != nil {
		return APIKey{}, "", err
	}
	return key, token, nil
}

// List returns all stored keys.
func (s *KeyStore) List(ctx context.Context) ([]APIKey, error) {
	keys, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]APIKey, 0, len(keys))
	for _, key := range keys {
		out = append(out, key)
	}
	return out, nil
}

// Delete revokes a key. It reports false when the id is unknown.
func (s *KeyStore) Delete(ctx context.Context, id string) (bool, error) {
	keys, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := keys[id]; !ok {
		return false, nil
	}
	delete(keys, id)
	return true, s.store.Save(ctx, storage.APIKeysKey, keys)
}

// Verify reports whether the token matches a stored key.
func (s *KeyStore) Verify(ctx context.Context, token string) (bool, error) {
	keys, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	hash := hashToken(token)
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(key.Hash), []byte(hash)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// --- Middleware ---

// authEnabled reports whether mutating routes require a key. Auth is
// opt-in: without a configured root key the API stays open.
func (s *Server) authEnabled() bool {
	return s.rootKey != ""
}

// requireAuth guards a handler behind API-key auth. The token comes
// from the Authorization header (Bearer) or the X-API-Key header, and
// matches either the configured root key or a stored managed key.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next(w, r)
			return
		}
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing api key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.rootKey)) == 1 {
			next(w, r)
			return
		}
		if s.keys != nil {
			ok, err := s.keys.Verify(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
				return
			}
			if ok {
				next(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
	}
}

// extractToken pulls the API key from the request, checking the
// Authorization header first, then X-API-Key.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// --- Key management handlers ---

// createKeyRequest is the JSON body for POST /api/keys.
type createKeyRequest struct {
	Name string `json:"name"`
}

// keyResponse is the public key record; Token is set only on creation.
type keyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Token     string    `json:"token,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "key store not configured")
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required")
		return
	}
	key, token, err := s.keys.Create(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	s.logger.Info("api key created", "keyId", key.ID, "name", key.Name)
	writeJSON(w, http.StatusCreated, keyResponse{
		ID:        key.ID,
		Name:      key.Name,
		CreatedAt: key.CreatedAt,
		Token:     token,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "key store not configured")
		return
	}
	keys, err := s.keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for _, key := range keys {
		out = append(out, keyResponse{ID: key.ID, Name: key.Name, CreatedAt: key.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "key store not configured")
		return
	}
	ok, err := s.keys.Delete(r.Context(), r.PathValue("key_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// generateToken creates a cryptographically secure random token.
func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
