package exchange

import "time"

// OrderType 交易所订单类型
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderRequest 下单请求参数，序列化后即为签名串本身
type OrderRequest struct {
	Symbol        string
	Side          string // BUY / SELL
	PositionSide  string // LONG / SHORT
	Type          OrderType
	Quantity      float64
	Price         float64 // LIMIT 单限价
	StopPrice     float64 // 条件单触发价
	ReduceOnly    bool
	ClientOrderID string
	WorkingType   string // 默认 MARK_PRICE
}

// Order 交易所返回的订单视图
type Order struct {
	OrderID       int64     `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	PositionSide  string    `json:"positionSide"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Quantity      float64   `json:"origQty,string"`
	ExecutedQty   float64   `json:"executedQty,string"`
	AvgPrice      float64   `json:"avgPrice,string"`
	StopPrice     float64   `json:"stopPrice,string"`
	ReduceOnly    bool      `json:"reduceOnly"`
	Time          int64     `json:"time"`
	UpdateTime    int64     `json:"updateTime"`
}

// CreatedAt 订单创建时间
func (o Order) CreatedAt() time.Time {
	return time.UnixMilli(o.Time).UTC()
}

// Filled 订单是否已成交
func (o Order) Filled() bool {
	return o.Status == "FILLED" || o.Status == "PARTIALLY_FILLED"
}

// PositionInfo 交易所持仓视图
type PositionInfo struct {
	Symbol       string  `json:"symbol"`
	PositionSide string  `json:"positionSide"`
	PositionAmt  float64 `json:"positionAmt,string"`
	AvgPrice     float64 `json:"avgPrice,string"`
	Leverage     int     `json:"leverage"`
	UnrealizedPL float64 `json:"unrealizedProfit,string"`
}

// Contract 合约元数据：数量步进、价格刻度、最小名义价值、最大杠杆
type Contract struct {
	Symbol            string  `json:"symbol"`
	QuantityPrecision int     `json:"quantityPrecision"`
	PricePrecision    int     `json:"pricePrecision"`
	TradeMinQuantity  float64 `json:"tradeMinQuantity"`
	TradeMinUSDT      float64 `json:"tradeMinUSDT"`
	MaxLeverage       int     `json:"maxLongLeverage"`
	Size              float64 `json:"size"` // 显式 lot step，缺省时由 quantityPrecision 推导
}

// LotStep 数量步进，优先显式 size，否则按精度推导
func (c Contract) LotStep() float64 {
	if c.Size > 0 {
		return c.Size
	}
	return stepFromPrecision(c.QuantityPrecision)
}

// TickSize 价格刻度
func (c Contract) TickSize() float64 {
	return stepFromPrecision(c.PricePrecision)
}

// Balance 合约账户余额
type Balance struct {
	Asset            string  `json:"asset"`
	Balance          float64 `json:"balance,string"`
	AvailableMargin  float64 `json:"availableMargin,string"`
	UsedMargin       float64 `json:"usedMargin,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
}

// PlacedOrder 自适应重试下单的结果：实际被接受的订单和数量
type PlacedOrder struct {
	Order        Order
	UsedQuantity float64
}
