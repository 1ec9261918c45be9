package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"signal_trader/internal/config"
)

// API 交易所客户端接口，执行协调器与仓位监控器都通过它访问交易所
type API interface {
	GetBalance(ctx context.Context) (Balance, error)
	GetOpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	GetContract(ctx context.Context, symbol string) (Contract, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol, positionSide string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error)
	PlaceReduceOnlyWithRetry(ctx context.Context, req OrderRequest, contract Contract, maxAttempts int, ceiling float64) (PlacedOrder, error)
}

// APIError 交易所应用层错误：HTTP 200 但 code != 0
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// Client 通过 BingX 永续合约 REST API 交易
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secretKey  string
	recvWindow int
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second},
		baseURL:    strings.TrimRight(cfg.ExchangeBaseURL, "/"),
		apiKey:     cfg.ExchangeAPIKey,
		secretKey:  cfg.ExchangeSecretKey,
		recvWindow: cfg.RecvWindowMs,
	}
}

// canonicalQuery 参数按 key 排序后 RFC3986 百分号编码拼接。
// 签名串与请求串必须是同一份字节，任何序列化差异都会导致签名失效
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(percentEncode(params.Get(k)))
	}
	return b.String()
}

// percentEncode RFC3986 编码：空格为 %20 而非 +
func percentEncode(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// sign 对规范化查询串做 HMAC-SHA256，十六进制输出
func (c *Client) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

// envelope 统一响应包装 {code, msg, data}
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doSigned 发送签名请求并解析响应信封；out 为空时仅检查 code
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.apiKey == "" || c.secretKey == "" {
		return fmt.Errorf("交易所 API Key 未配置")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}

	query := canonicalQuery(params)
	query += "&signature=" + c.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("X-BX-APIKEY", c.apiKey)

	return c.do(req, out)
}

// doPublic 公开行情接口，无需签名
func (c *Client) doPublic(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("交易所请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("交易所 HTTP %d: %s", resp.StatusCode, string(respBytes))
	}

	var env envelope
	if err := json.Unmarshal(respBytes, &env); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	// code != 0 即为应用层错误，与 HTTP 状态无关
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}

// GetBalance 获取合约账户 USDT 余额
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	var data struct {
		Balance Balance `json:"balance"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil, &data); err != nil {
		return Balance{}, err
	}
	return data.Balance, nil
}

// GetOpenPositions 获取当前持仓，symbol 为空则返回全部
func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", NormalizeSymbol(symbol))
	}
	var positions []PositionInfo
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", params, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetContract 获取合约元数据（步进、精度、最小名义价值、最大杠杆）
func (c *Client) GetContract(ctx context.Context, symbol string) (Contract, error) {
	symbol = NormalizeSymbol(symbol)
	var contracts []Contract
	if err := c.doPublic(ctx, "/openApi/swap/v2/quote/contracts", nil, &contracts); err != nil {
		return Contract{}, err
	}
	for _, ct := range contracts {
		if strings.EqualFold(ct.Symbol, symbol) {
			return ct, nil
		}
	}
	return Contract{}, fmt.Errorf("合约 %s 不存在", symbol)
}

// GetPrice 获取最新市价
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	var data struct {
		Price float64 `json:"price,string"`
	}
	if err := c.doPublic(ctx, "/openApi/swap/v2/quote/price", params, &data); err != nil {
		return 0, err
	}
	if data.Price <= 0 {
		return 0, fmt.Errorf("行情返回无效价格 %s", symbol)
	}
	return data.Price, nil
}

// SetLeverage 设置杠杆倍数（按持仓方向）
func (c *Client) SetLeverage(ctx context.Context, symbol, positionSide string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("side", positionSide)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params, nil)
}

// PlaceOrder 下单
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(req.Symbol))
	params.Set("side", req.Side)
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.Price > 0 {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("clientOrderId", req.ClientOrderID)
	}
	workingType := req.WorkingType
	if workingType == "" && (req.Type == OrderTypeStopMarket || req.Type == OrderTypeTakeProfitMarket) {
		workingType = "MARK_PRICE"
	}
	if workingType != "" {
		params.Set("workingType", workingType)
	}

	log.Printf("[交易所] 下单: %s %s %s 数量=%s 触发价=%.8g reduceOnly=%v",
		params.Get("symbol"), req.Side, req.Type, params.Get("quantity"), req.StopPrice, req.ReduceOnly)

	var data struct {
		Order Order `json:"order"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params, &data); err != nil {
		return Order{}, err
	}
	return data.Order, nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	return c.doSigned(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", params, nil)
}

// GetOrder 查询单个订单（入场确认超时后检查成交状态用）
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var data struct {
		Order Order `json:"order"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params, &data); err != nil {
		return Order{}, err
	}
	return data.Order, nil
}

// GetOpenOrders 查询挂单
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", NormalizeSymbol(symbol))
	}
	var data struct {
		Orders []Order `json:"orders"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/trade/openOrders", params, &data); err != nil {
		return nil, err
	}
	return data.Orders, nil
}

// GetOrderHistory 查询历史订单（盈亏重建用）
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("limit", strconv.Itoa(limit))
	var data struct {
		Orders []Order `json:"orders"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/trade/allOrders", params, &data); err != nil {
		return nil, err
	}
	return data.Orders, nil
}
