package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"testing"

	"signal_trader/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalQuerySortedAndEncoded(t *testing.T) {
	params := url.Values{}
	params.Set("symbol", "BTC-USDT")
	params.Set("timestamp", "1700000000000")
	params.Set("side", "BUY")
	params.Set("type", "STOP_MARKET")

	got := canonicalQuery(params)
	assert.Equal(t, "side=BUY&symbol=BTC-USDT&timestamp=1700000000000&type=STOP_MARKET", got)
}

func TestCanonicalQuerySpaceEncoding(t *testing.T) {
	params := url.Values{}
	params.Set("note", "a b+c")

	// 空格必须编码为 %20，加号本身也要转义
	assert.Equal(t, "note=a%20b%2Bc", canonicalQuery(params))
}

func TestSignMatchesReference(t *testing.T) {
	client := NewClient(config.Config{
		ExchangeBaseURL:   "https://open-api.bingx.com",
		ExchangeAPIKey:    "test-key",
		ExchangeSecretKey: "test-secret",
	})

	query := "side=BUY&symbol=BTC-USDT&timestamp=1700000000000"
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(query))
	expected := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, client.sign(query))
}

// 同一份字节既作签名输入又作请求串：两次序列化的结果必须一致
func TestCanonicalQueryStable(t *testing.T) {
	params := url.Values{}
	params.Set("symbol", "ETH-USDT")
	params.Set("quantity", "0.008")
	params.Set("positionSide", "LONG")

	first := canonicalQuery(params)
	second := canonicalQuery(params)
	require.Equal(t, first, second)
}
