package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/SoulRegistry/soul-registry-go/internal/canonical"
	"github.com/SoulRegistry/soul-registry-go/internal/challenge"
	"github.com/SoulRegistry/soul-registry-go/internal/config"
	"github.com/SoulRegistry/soul-registry-go/internal/model"
	"github.com/SoulRegistry/soul-registry-go/internal/registry"
	"github.com/SoulRegistry/soul-registry-go/internal/storage"
)

type testServer struct {
	*httptest.Server
	engine *registry.Engine
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	store := storage.NewMemory()
	engine := registry.NewEngine(store, nil)
	manager := challenge.NewManager(store, engine, nil)
	h, err := New(cfg, store, engine, manager, nil)
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: engine}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  map[string]any  `json:"meta"`
	Error *struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope from %q: %v", raw, err)
	}
	return resp, env
}

func registrationPayload(t *testing.T, name string) (map[string]any, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	doc := registry.RegistrationDocument{
		DID:       "did:soul:" + name,
		Name:      name,
		PublicKey: hex.EncodeToString(pub),
		Birth:     model.Birth{Timestamp: "2026-01-01T00:00:00Z", Operator: "acme"},
	}
	digest, err := canonical.Hash(doc)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(digest)))
	return map[string]any{"document": doc, "signature": sig}, priv
}

func register(t *testing.T, srv *testServer, name string) ed25519.PrivateKey {
	t.Helper()
	payload, priv := registrationPayload(t, name)
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/identity", payload, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, error = %+v", resp.StatusCode, env.Error)
	}
	return priv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want 200", resp.StatusCode)
	}
}

func TestRegisterAndResolve(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	register(t, srv, "nexus")

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/identity/did:soul:nexus", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	var pub model.PublicIdentity
	if err := json.Unmarshal(env.Data, &pub); err != nil {
		t.Fatalf("decode public identity: %v", err)
	}
	if pub.DID != "did:soul:nexus" || pub.Status != model.StatusActive {
		t.Fatalf("unexpected public identity: %+v", pub)
	}

	// the public view never leaks the storage version
	var fields map[string]any
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if _, ok := fields["version"]; ok {
		t.Fatal("public view exposes version")
	}

	// name resolution is case-insensitive
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/identity/Nexus", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve by name status = %d", resp.StatusCode)
	}
}

func TestRegister_DuplicateName(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	register(t, srv, "nexus")

	payload, _ := registrationPayload(t, "nexus")
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/identity", payload, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d want 409", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "SOUL_NAME_TAKEN" {
		t.Fatalf("error = %+v want SOUL_NAME_TAKEN", env.Error)
	}
	if env.Error.CorrelationID == "" {
		t.Fatal("error envelope missing correlation id")
	}
}

func TestRegister_BadSignature(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	payload, _ := registrationPayload(t, "nexus")
	payload["signature"] = "deadbeef"

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/identity", payload, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d want 401", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "SOUL_INVALID_SIGNATURE" {
		t.Fatalf("error = %+v want SOUL_INVALID_SIGNATURE", env.Error)
	}
}

func TestResolve_NotFound(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/identity/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d want 404", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "SOUL_NOT_FOUND" {
		t.Fatalf("error = %+v want SOUL_NOT_FOUND", env.Error)
	}
}

func TestUpdateContactOverHTTP(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	priv := register(t, srv, "nexus")

	ts := time.Now().UTC().Format(time.RFC3339)
	msg := registry.UpdateMessage(registry.TagUpdateContact, "did:soul:nexus", ts)
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(msg)))

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/identity/nexus/contact", map[string]any{
		"contact":   map[string]any{"email": "ops@example.com"},
		"signature": sig,
		"timestamp": ts,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, error = %+v", resp.StatusCode, env.Error)
	}
	var pub model.PublicIdentity
	if err := json.Unmarshal(env.Data, &pub); err != nil {
		t.Fatalf("decode public identity: %v", err)
	}
	if pub.Contact["email"] != "ops@example.com" {
		t.Fatalf("contact not applied: %+v", pub.Contact)
	}
}

func TestStatusChangeOverHTTP(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	priv := register(t, srv, "nexus")

	ts := time.Now().UTC().Format(time.RFC3339)
	msg := registry.StatusMessage(model.StatusRevoked, "did:soul:nexus", "compromised", ts)
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(msg)))

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/identity/nexus/status", map[string]any{
		"status":    "revoked",
		"reason":    "compromised",
		"signature": sig,
		"timestamp": ts,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, error = %+v", resp.StatusCode, env.Error)
	}
	var data struct {
		DID             string `json:"did"`
		Status          string `json:"status"`
		StatusChangedAt string `json:"statusChangedAt"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Status != "revoked" || data.StatusChangedAt == "" {
		t.Fatalf("unexpected status payload: %+v", data)
	}
}

func TestChallengeLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	priv := register(t, srv, "nexus")

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"subject": "nexus"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status = %d, error = %+v", resp.StatusCode, env.Error)
	}
	var issued struct {
		ChallengeID string `json:"challengeId"`
		DID         string `json:"did"`
		Nonce       string `json:"nonce"`
		ExpiresAt   string `json:"expiresAt"`
	}
	if err := json.Unmarshal(env.Data, &issued); err != nil {
		t.Fatalf("decode issued challenge: %v", err)
	}
	if issued.DID != "did:soul:nexus" || len(issued.Nonce) != 64 {
		t.Fatalf("unexpected challenge: %+v", issued)
	}

	verifyURL := fmt.Sprintf("%s/v1/challenge/%s/verify", srv.URL, issued.ChallengeID)

	// an attacker with the wrong key is rejected and the challenge survives
	_, attackerPriv, _ := ed25519.GenerateKey(rand.Reader)
	badSig := hex.EncodeToString(ed25519.Sign(attackerPriv, []byte(issued.Nonce)))
	resp, env = doJSON(t, http.MethodPost, verifyURL, map[string]any{"signature": badSig}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-key verify status = %d want 401", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "SOUL_INVALID_SIGNATURE" {
		t.Fatalf("error = %+v want SOUL_INVALID_SIGNATURE", env.Error)
	}

	goodSig := hex.EncodeToString(ed25519.Sign(priv, []byte(issued.Nonce)))
	resp, env = doJSON(t, http.MethodPost, verifyURL, map[string]any{"did": "did:soul:nexus", "signature": goodSig}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, error = %+v", resp.StatusCode, env.Error)
	}
	var outcome struct {
		DID               string `json:"did"`
		Verified          bool   `json:"verified"`
		VerificationCount int64  `json:"verificationCount"`
	}
	if err := json.Unmarshal(env.Data, &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !outcome.Verified || outcome.VerificationCount != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	// single use: a replay of the same challenge is a conflict
	resp, env = doJSON(t, http.MethodPost, verifyURL, map[string]any{"signature": goodSig}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay status = %d want 409", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "SOUL_CHALLENGE_USED" {
		t.Fatalf("error = %+v want SOUL_CHALLENGE_USED", env.Error)
	}
}

func TestChallengeVerify_ProofToken(t *testing.T) {
	proofPub, proofPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	cfg := config.Config{
		ProofSigningKey: proofPriv,
		ProofIssuer:     "soul-registry-test",
		ProofAudience:   "test-clients",
		ProofTTL:        10 * time.Minute,
	}
	srv := newTestServer(t, cfg)
	priv := register(t, srv, "nexus")

	_, env := doJSON(t, http.MethodPost, srv.URL+"/v1/challenge", map[string]any{"subject": "nexus"}, nil)
	var issued struct {
		ChallengeID string `json:"challengeId"`
		Nonce       string `json:"nonce"`
	}
	if err := json.Unmarshal(env.Data, &issued); err != nil {
		t.Fatalf("decode issued challenge: %v", err)
	}

	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(issued.Nonce)))
	_, env = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/challenge/%s/verify", srv.URL, issued.ChallengeID), map[string]any{"signature": sig}, nil)
	var outcome struct {
		ProofToken string `json:"proofToken"`
	}
	if err := json.Unmarshal(env.Data, &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.ProofToken == "" {
		t.Fatal("proof token missing from verification outcome")
	}

	token, err := jwtlib.Parse(outcome.ProofToken, func(*jwtlib.Token) (any, error) {
		return proofPub, nil
	}, jwtlib.WithValidMethods([]string{"EdDSA"}), jwtlib.WithIssuer("soul-registry-test"), jwtlib.WithAudience("test-clients"))
	if err != nil {
		t.Fatalf("parse proof token: %v", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub != "did:soul:nexus" {
		t.Fatalf("subject = %q err = %v want did:soul:nexus", sub, err)
	}
}

func TestSearchOverHTTP(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	register(t, srv, "alpha")
	register(t, srv, "alpine")
	register(t, srv, "beta")

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/search?name=alp*", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d, error = %+v", resp.StatusCode, env.Error)
	}
	var result model.SearchResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode search result: %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("total = %d want 2", result.Total)
	}
	if got, ok := env.Meta["total"].(float64); !ok || int(got) != 2 {
		t.Fatalf("meta total = %v want 2", env.Meta["total"])
	}

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/v1/search?limit=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d want 400", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "SOUL_VALIDATION" {
		t.Fatalf("error = %+v want SOUL_VALIDATION", env.Error)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	payload, _ := registrationPayload(t, "nexus")
	headers := map[string]string{"Idempotency-Key": "reg-nexus-1"}

	resp, first := doJSON(t, http.MethodPost, srv.URL+"/v1/identity", payload, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first register status = %d, error = %+v", resp.StatusCode, first.Error)
	}

	// same key replays the stored response instead of hitting the conflict path
	resp, second := doJSON(t, http.MethodPost, srv.URL+"/v1/identity", payload, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay status = %d want 201", resp.StatusCode)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Fatalf("replay body differs:\n%s\n%s", first.Data, second.Data)
	}

	// without the key the duplicate registration conflicts as usual
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/identity", payload, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d want 409, error = %+v", resp.StatusCode, env.Error)
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/identity/ghost", nil, map[string]string{"X-Correlation-Id": "corr-123"})
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-123" {
		t.Fatalf("correlation header = %q want corr-123", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/identity", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d want 405", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "SOUL_VALIDATION" {
		t.Fatalf("error = %+v want SOUL_VALIDATION", env.Error)
	}
}

func TestServerNew_RejectsShortProofKey(t *testing.T) {
	store := storage.NewMemory()
	engine := registry.NewEngine(store, nil)
	manager := challenge.NewManager(store, engine, nil)
	_, err := New(config.Config{ProofSigningKey: []byte("too-short")}, store, engine, manager, nil)
	if err == nil {
		t.Fatal("expected error for malformed proof signing key")
	}
}
