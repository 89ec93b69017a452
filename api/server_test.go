package api

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subasta/arbiter"
)

type noopNotifier struct{}

func (noopNotifier) PublishBid(context.Context, arbiter.BidEvent) error { return nil }

func (noopNotifier) PublishSettlement(context.Context, arbiter.SettlementEvent) error { return nil }

type handlerFixture struct {
	impl   *ServerImpl
	router *gin.Engine
	key    ed25519.PrivateKey
}

// setupHandlers 只初始化不需要外部依賴(資料庫、Redis)的部分，
// 用來測試仲裁相關的路由
func setupHandlers(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	registry := arbiter.NewRegistry()
	ledger := arbiter.NewLedger()
	core, err := arbiter.NewCore(registry, ledger, noopNotifier{})
	require.NoError(t, err)

	impl := &ServerImpl{
		registry: registry,
		ledger:   ledger,
		core:     core,
		config: ServerConfig{
			Auth: AuthConfig{PrivateKey: key},
		},
	}
	router := gin.New()
	impl.RegisterRoutes(router)
	return &handlerFixture{impl: impl, router: router, key: key}
}

func (f *handlerFixture) token(t *testing.T, subject uuid.UUID) string {
	t.Helper()
	claims := JWT{
		Username: "tester",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tokenString, err := token.SignedString(f.key)
	require.NoError(t, err)
	return tokenString
}

func (f *handlerFixture) registerActiveAuction(t *testing.T, startPrice, minIncrement int64) uuid.UUID {
	t.Helper()
	auctionID := uuid.New()
	err := f.impl.registry.Register(
		arbiter.Config{
			ID:           auctionID,
			StartPrice:   startPrice,
			MinIncrement: minIncrement,
			StartTime:    time.Now().Add(-time.Minute),
			EndTime:      time.Now().Add(time.Hour),
		},
		arbiter.State{
			CurrentPrice: startPrice,
			Status:       arbiter.StatusActive,
		},
	)
	require.NoError(t, err)
	return auctionID
}

func (f *handlerFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func TestPlaceBid(t *testing.T) {
	fixture := setupHandlers(t)
	bidderID := uuid.New()
	auctionID := fixture.registerActiveAuction(t, 1000, 100)

	t.Run("沒有token應返回401", func(t *testing.T) {
		w := fixture.do(http.MethodPost, "/auctions/"+auctionID.String()+"/bids", "", `{"incrementAmount":100}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("拍賣不存在應返回404", func(t *testing.T) {
		w := fixture.do(http.MethodPost, "/auctions/"+uuid.NewString()+"/bids", fixture.token(t, bidderID), `{"incrementAmount":100}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("增額低於最小增額應返回400", func(t *testing.T) {
		w := fixture.do(http.MethodPost, "/auctions/"+auctionID.String()+"/bids", fixture.token(t, bidderID), `{"incrementAmount":50}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("出價成功應返回202和序號", func(t *testing.T) {
		w := fixture.do(http.MethodPost, "/auctions/"+auctionID.String()+"/bids", fixture.token(t, bidderID), `{"incrementAmount":100}`)
		require.Equal(t, http.StatusAccepted, w.Code)

		var response struct {
			SequenceNumber uint64 `json:"sequenceNumber"`
			Amount         int64  `json:"amount"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, uint64(1), response.SequenceNumber)
		assert.Equal(t, int64(1100), response.Amount)
	})

	t.Run("領先者再出價應返回403", func(t *testing.T) {
		w := fixture.do(http.MethodPost, "/auctions/"+auctionID.String()+"/bids", fixture.token(t, bidderID), `{"incrementAmount":100}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("代理啟用中手動出價應返回403", func(t *testing.T) {
		other := uuid.New()
		require.NoError(t, fixture.impl.core.PlaceProxyBid(context.Background(), auctionID, other, 10000, 100))
		w := fixture.do(http.MethodPost, "/auctions/"+auctionID.String()+"/bids", fixture.token(t, other), `{"incrementAmount":100}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestGetHistory(t *testing.T) {
	fixture := setupHandlers(t)
	bidderID := uuid.New()
	auctionID := fixture.registerActiveAuction(t, 1000, 100)

	_, err := fixture.impl.core.SubmitBid(context.Background(), arbiter.Intent{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    1100,
		Kind:      arbiter.BidKindManual,
	})
	require.NoError(t, err)

	t.Run("拍賣不存在應返回404", func(t *testing.T) {
		w := fixture.do(http.MethodGet, "/auctions/"+uuid.NewString()+"/history", "", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("limit不合法應返回400", func(t *testing.T) {
		w := fixture.do(http.MethodGet, "/auctions/"+auctionID.String()+"/history?limit=abc", "", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("應返回出價歷史", func(t *testing.T) {
		w := fixture.do(http.MethodGet, "/auctions/"+auctionID.String()+"/history", "", "")
		require.Equal(t, http.StatusOK, w.Code)

		var response struct {
			Count      int `json:"count"`
			BidRecords []struct {
				SequenceNumber uint64 `json:"sequenceNumber"`
				Amount         int64  `json:"amount"`
			} `json:"bidRecords"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		require.Equal(t, 1, response.Count)
		assert.Equal(t, uint64(1), response.BidRecords[0].SequenceNumber)
		assert.Equal(t, int64(1100), response.BidRecords[0].Amount)
	})
}

func TestCancelProxyBid_Ownership(t *testing.T) {
	fixture := setupHandlers(t)
	auctionID := fixture.registerActiveAuction(t, 1000, 100)
	owner := uuid.New()
	stranger := uuid.New()

	t.Run("非本人取消應返回403", func(t *testing.T) {
		path := "/auctions/" + auctionID.String() + "/proxy-bids/" + owner.String()
		w := fixture.do(http.MethodDelete, path, fixture.token(t, stranger), "")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("沒有代理設定時取消應返回404", func(t *testing.T) {
		path := "/auctions/" + auctionID.String() + "/proxy-bids/" + owner.String()
		w := fixture.do(http.MethodDelete, path, fixture.token(t, owner), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
