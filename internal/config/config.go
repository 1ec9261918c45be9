package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config centralizes runtime settings for the execution pipeline.
type Config struct {
	HTTPAddr          string
	SQLiteDSN         string
	RequestTimeoutSec int

	ExchangeBaseURL   string
	ExchangeAPIKey    string
	ExchangeSecretKey string
	RecvWindowMs      int

	// 风控阈值
	RiskDisabled     bool    // 全局关闭风控（仅保留警告）
	MinConfidence    float64 // 最低信号置信度
	MinTradeUSDT     float64 // 最低可用余额/单笔金额
	MaxLeverage      int     // 最大杠杆
	MaxOpenPositions int     // 单渠道最大持仓数
	MinRiskReward    float64 // 最低盈亏比
	MaxMarginRatio   float64 // 最高保证金率

	// 仓位规模
	RiskFraction float64 // 固定风险比例（余额占比）
	TakerFeeRate float64 // 估算手续费率

	// 执行协调
	WorkerCount        int // 并发执行工作槽数量
	QueuePollSec       int // 队列补位间隔（秒）
	ConfirmTimeoutSec  int // 入场确认轮询超时（秒）
	ShutdownGraceSec   int // 优雅退出等待（秒）
	PlaceRetryAttempts int // reduce-only 下单自适应重试次数

	// 仓位监控
	PricePollSec        int       // 价格轮询间隔（秒）
	BreakevenPollSec    int       // 保本观察器轮询间隔（秒）
	BreakevenMaximumSec int       // 保本观察器最长存活（秒）
	TPClosePercents     []float64 // 止盈分批比例，如 25,25,50
}

func Load() Config {
	// Auto-load .env file if present (won't override existing env vars)
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		SQLiteDSN:         getEnv("SQLITE_DSN", "file:./signal_trader.db?_pragma=busy_timeout(5000)"),
		RequestTimeoutSec: getEnvInt("REQUEST_TIMEOUT_SEC", 15),

		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://open-api.bingx.com"),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeSecretKey: getEnv("EXCHANGE_SECRET_KEY", ""),
		RecvWindowMs:      getEnvInt("EXCHANGE_RECV_WINDOW_MS", 5000),

		RiskDisabled:     getEnvBool("RISK_DISABLED", false),
		MinConfidence:    getEnvFloat("MIN_CONFIDENCE", 0.70),
		MinTradeUSDT:     getEnvFloat("MIN_TRADE_USDT", 10),
		MaxLeverage:      getEnvInt("MAX_LEVERAGE", 20),
		MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 5),
		MinRiskReward:    getEnvFloat("MIN_RISK_REWARD", 1.0),
		MaxMarginRatio:   getEnvFloat("MAX_MARGIN_RATIO", 0.8),

		RiskFraction: getEnvFloat("RISK_FRACTION", 0.10),
		TakerFeeRate: getEnvFloat("TAKER_FEE_RATE", 0.0005),

		WorkerCount:        getEnvInt("WORKER_COUNT", 3),
		QueuePollSec:       getEnvInt("QUEUE_POLL_SEC", 2),
		ConfirmTimeoutSec:  getEnvInt("CONFIRM_TIMEOUT_SEC", 30),
		ShutdownGraceSec:   getEnvInt("SHUTDOWN_GRACE_SEC", 20),
		PlaceRetryAttempts: getEnvInt("PLACE_RETRY_ATTEMPTS", 3),

		PricePollSec:        getEnvInt("PRICE_POLL_SEC", 5),
		BreakevenPollSec:    getEnvInt("BREAKEVEN_POLL_SEC", 10),
		BreakevenMaximumSec: getEnvInt("BREAKEVEN_MAX_SEC", 86400),
		TPClosePercents:     getEnvPercents("TP_CLOSE_PERCENTS", []float64{25, 25, 50}),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvPercents 解析 "25,25,50" 形式的分批比例，解析失败回退默认值
func getEnvPercents(key string, fallback []float64) []float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || f <= 0 {
			return fallback
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
