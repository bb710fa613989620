package rest

// Binance spot REST API base URLs.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/
const (
	BaseURL        = "https://api.binance.com"
	TestnetBaseURL = "https://testnet.binance.vision"
)

// Binance API v3 endpoint paths.
const (
	EPing         = "/api/v3/ping"
	ETime         = "/api/v3/time"
	EExchangeInfo = "/api/v3/exchangeInfo"
	EAccount      = "/api/v3/account"

	EDepth        = "/api/v3/depth"
	ETrades       = "/api/v3/trades"
	EHistTrades   = "/api/v3/historicalTrades"
	ETicker       = "/api/v3/ticker/24hr"
	ETickerPrice  = "/api/v3/ticker/price"
	ETickerBook   = "/api/v3/ticker/bookTicker"
	EOpenOrders   = "/api/v3/openOrders"
	EAllOrders    = "/api/v3/allOrders"

	ENewOrder            = "/api/v3/order"
	EQueryOrder          = "/api/v3/order"
	ECancelOrder         = "/api/v3/order"
	ECancelAllOpenOrders = "/api/v3/openOrders"
	ECancelReplace       = "/api/v3/order/cancelReplace"
	ENewOCO              = "/api/v3/orderList/oco"
	EQueryOCO            = "/api/v3/orderList"
	ECancelOCO           = "/api/v3/orderList"

	EUserDataStream = "/api/v3/userDataStream"
)

// endpointWeights maps endpoint path to its default request weight.
// Endpoints that share a path (e.g. EOpenOrders and ECancelAllOpenOrders)
// share one entry.
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#limits
var endpointWeights = map[string]int{
	EPing:         1,
	ETime:         1,
	EExchangeInfo: 20,
	EAccount:      20,

	EDepth:       5,
	ETrades:      1,
	EHistTrades:  5,
	ETicker:      2,
	ETickerPrice: 1,
	ETickerBook:  2,

	ENewOrder:            1,
	ECancelReplace:       1,
	EOpenOrders:          6,
	EAllOrders:           10,

	EUserDataStream: 1,
}

// orderEndpoints lists paths billed against the ORDERS class rather than
// REQUEST_WEIGHT. ENewOrder's path is shared with EQueryOrder and
// ECancelOrder, so those are billed against ORDERS too.
var orderEndpoints = map[string]bool{
	ENewOrder:      true,
	ECancelReplace: true,
	ENewOCO:        true,
	ECancelOCO:     true,
}

// GetEndpointWeight returns the documented weight for a path, defaulting to
// 1 for endpoints not in the table.
func GetEndpointWeight(path string) int {
	if w, ok := endpointWeights[path]; ok {
		return w
	}
	return 1
}

// isOrderEndpoint reports whether path should be charged against the
// ORDERS rate-limit class.
func isOrderEndpoint(path string) bool {
	return orderEndpoints[path]
}

// publicEndpoints lists paths that never require a signature.
var publicEndpoints = []string{
	EPing, ETime, EExchangeInfo, EDepth, ETrades, ETicker, ETickerPrice, ETickerBook,
}

func needsSigning(endpoint string) bool {
	for _, pub := range publicEndpoints {
		if pathContains(endpoint, pub) {
			return false
		}
	}
	return true
}

func pathContains(endpoint, path string) bool {
	if len(endpoint) < len(path) {
		return false
	}
	for i := 0; i+len(path) <= len(endpoint); i++ {
		if endpoint[i:i+len(path)] == path {
			return true
		}
	}
	return false
}
