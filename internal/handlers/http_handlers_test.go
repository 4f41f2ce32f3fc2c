package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"confidential-lottery/internal/fhe"
	"confidential-lottery/internal/oracle"
	"confidential-lottery/internal/services"
	"confidential-lottery/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	requests []*oracle.Request
}

func (g *stubGateway) RequestDecryption(handles []fhe.Handle, cts []*fhe.Ciphertext) (uint64, error) {
	id := uint64(len(g.requests) + 1)
	g.requests = append(g.requests, &oracle.Request{ID: id, Handles: handles, Ciphertexts: cts})
	return id, nil
}

type testServer struct {
	router *gin.Engine
	gw     *stubGateway
	oracle *oracle.Oracle
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := &testServer{
		gw:     &stubGateway{},
		oracle: oracle.New(oracle.GenerateKeyPair(), oracle.Options{MaxCount: 100}),
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	svc := services.NewLotteryService(st, ts.gw, services.Options{
		OraclePublic: ts.oracle.PublicKey(),
		Now:          func() time.Time { return ts.now },
	})
	h := NewHTTPHandler(svc, ts.oracle.PublicKey())

	ts.router = gin.New()
	h.RegisterPublicRoutes(ts.router)
	callers := ts.router.Group("/")
	callers.Use(h.CallerMiddleware())
	h.RegisterCallerRoutes(callers)
	return ts
}

func (ts *testServer) do(method, path string, caller common.Address, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(CallerHeader, caller.Hex())
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHTTPHandler_LotteryFlow(t *testing.T) {
	ts := newTestServer(t)
	creator := common.HexToAddress("0x1000000000000000000000000000000000000001")
	alice := common.HexToAddress("0x2000000000000000000000000000000000000002")
	bob := common.HexToAddress("0x3000000000000000000000000000000000000003")
	aliceSalt, bobSalt := common.HexToHash("0xaa"), common.HexToHash("0xbb")

	t.Run("Test missing caller header", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/lotteries", common.Address{}, gin.H{"description": "x", "deadline": ts.now.Add(time.Hour)})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	w := ts.do(http.MethodPost, "/lotteries", creator, gin.H{"description": "a bicycle", "deadline": ts.now.Add(time.Hour)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct{ ID uint64 }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	base := fmt.Sprintf("/lotteries/%d", created.ID)

	w = ts.do(http.MethodPost, base+"/entries", alice, gin.H{"commitment": services.Commitment(alice, aliceSalt)})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = ts.do(http.MethodPost, base+"/entries", bob, gin.H{"commitment": services.Commitment(bob, bobSalt)})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = ts.do(http.MethodGet, base+"/participants/count", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"count":2}`, w.Body.String())

	seed, err := fhe.EncryptUint64(ts.oracle.PublicKey(), 9).MarshalBinary()
	require.NoError(t, err)

	t.Run("Test draw before deadline", func(t *testing.T) {
		w := ts.do(http.MethodPost, base+"/draw", creator, gin.H{"encryptedSeed": hexutil.Bytes(seed)})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	ts.now = ts.now.Add(time.Hour)

	t.Run("Test draw by non-creator", func(t *testing.T) {
		w := ts.do(http.MethodPost, base+"/draw", alice, gin.H{"encryptedSeed": hexutil.Bytes(seed)})
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	w = ts.do(http.MethodPost, base+"/draw", creator, gin.H{"encryptedSeed": hexutil.Bytes(seed)})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, base+"/decryption", creator, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var requested struct {
		RequestID uint64 `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &requested))

	w = ts.do(http.MethodPost, base+"/decryption", creator, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	cleartexts, proof, err := ts.oracle.Decrypt(ts.gw.requests[requested.RequestID-1])
	require.NoError(t, err)

	t.Run("Test forged callback", func(t *testing.T) {
		forged, err := oracle.PackCleartexts(8, 2)
		require.NoError(t, err)
		w := ts.do(http.MethodPost, "/oracle/callback", common.Address{}, gin.H{
			"requestId":  requested.RequestID,
			"cleartexts": hexutil.Bytes(forged),
			"proof":      hexutil.Bytes(proof),
		})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	w = ts.do(http.MethodPost, "/oracle/callback", common.Address{}, gin.H{
		"requestId":  requested.RequestID,
		"cleartexts": hexutil.Bytes(cleartexts),
		"proof":      hexutil.Bytes(proof),
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = ts.do(http.MethodGet, base, common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var l struct {
		WinnerIndex    uint64 `json:"winnerIndex"`
		WinnerResolved bool   `json:"winnerResolved"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &l))
	require.True(t, l.WinnerResolved)
	require.Equal(t, uint64(1), l.WinnerIndex)

	w = ts.do(http.MethodPost, base+"/reveal", alice, gin.H{"salt": aliceSalt})
	require.Equal(t, http.StatusForbidden, w.Code)
	w = ts.do(http.MethodPost, base+"/reveal", bob, gin.H{"salt": aliceSalt})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(http.MethodPost, base+"/reveal", bob, gin.H{"salt": bobSalt})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = ts.do(http.MethodGet, base+"/state", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"state":"completed"}`, w.Body.String())

	t.Run("Test events CSV export", func(t *testing.T) {
		w := ts.do(http.MethodGet, base+"/events.csv", common.Address{}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		require.True(t, strings.HasPrefix(body, "\xef\xbb\xbf"))
		lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(body, "\xef\xbb\xbf")), "\n")
		require.Equal(t, "seq,time,kind,actor,detail", lines[0])
		require.Len(t, lines, 8)
		require.Contains(t, lines[7], "WinnerRevealed")
	})
}

func TestHTTPHandler_Errors(t *testing.T) {
	ts := newTestServer(t)
	caller := common.HexToAddress("0x1000000000000000000000000000000000000001")

	t.Run("Test unknown lottery", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/lotteries/7/prize", common.Address{}, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Test reseed of unknown lottery", func(t *testing.T) {
		seed, err := fhe.EncryptUint64(ts.oracle.PublicKey(), 1).MarshalBinary()
		require.NoError(t, err)
		w := ts.do(http.MethodPost, "/lotteries/7/reseed", caller, gin.H{"encryptedSeed": hexutil.Bytes(seed)})
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Test malformed id", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/lotteries/seven", common.Address{}, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Test malformed caller", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/lotteries", strings.NewReader("{}"))
		req.Header.Set(CallerHeader, "not-an-address")
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Test missing fields", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/lotteries", caller, gin.H{"description": "no deadline"})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Test unknown request callback", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/oracle/callback", common.Address{}, gin.H{
			"requestId":  5,
			"cleartexts": "0x00",
			"proof":      "0x00",
		})
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Test oracle public key", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/oracle/public-key", common.Address{}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out struct {
			PublicKey string `json:"publicKey"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		p, err := oracle.ParsePublicKey(out.PublicKey)
		require.NoError(t, err)
		require.True(t, p.Equal(ts.oracle.PublicKey()))
	})
}
