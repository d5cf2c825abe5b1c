package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tradebridge/internal/api/handlers"
	"tradebridge/internal/api/middleware"
	"tradebridge/internal/service"
	"tradebridge/internal/websocket"
	"tradebridge/pkg/ratelimit"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	BrokerService service.BrokerServiceInterface
	OrderService  service.OrderSubmitter
	RiskService   service.RiskServiceInterface
	SignalService service.SignalServiceInterface
	Hub           *websocket.Hub

	Logger         *zap.Logger
	AllowedOrigins []string
	Principal      middleware.PrincipalConfig
	RateLimiter    *ratelimit.KeyedLimiter // nil - без ограничения
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /broker/
//	│   ├── POST /connect - вход в брокера
//	│   ├── DELETE /connect - отключение
//	│   ├── POST /account - выбор счета
//	│   ├── GET /status - состояние подключения
//	│   ├── GET /accounts - счета
//	│   └── GET /instruments - инструменты
//	├── /market/
//	│   ├── GET /quotes?symbols= - котировки (заглушки при деградации)
//	│   ├── GET /positions - открытые позиции
//	│   └── GET /candles - исторические свечи
//	├── POST /orders - отправить ордер
//	├── /risk/
//	│   ├── GET /profile, PUT /profile - риск-профиль
//	│   └── POST /check - пробная проверка ордера
//	└── /signals/
//	    ├── GET /, POST / - список, создание
//	    ├── GET /{id}, PATCH /{id} - чтение, изменение
//	    └── POST /{id}/execute - исполнение
//
// /ws/stream - realtime hub
// /metrics, /health
//
// Middleware: Recovery, Logging, CORS для всех маршрутов;
// Principal и RateLimit для /api/v1.
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	// middleware mux срабатывает только для найденного маршрута,
	// поэтому preflight нужен свой маршрут; ответ дает CORS
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Principal(deps.Principal))
	api.Use(middleware.RateLimit(deps.RateLimiter))

	if deps.BrokerService != nil {
		brokerHandler := handlers.NewBrokerHandler(deps.BrokerService)
		api.HandleFunc("/broker/connect", brokerHandler.Connect).Methods("POST")
		api.HandleFunc("/broker/connect", brokerHandler.Disconnect).Methods("DELETE")
		api.HandleFunc("/broker/account", brokerHandler.SelectAccount).Methods("POST")
		api.HandleFunc("/broker/status", brokerHandler.Status).Methods("GET")
		api.HandleFunc("/broker/accounts", brokerHandler.GetAccounts).Methods("GET")
		api.HandleFunc("/broker/instruments", brokerHandler.GetInstruments).Methods("GET")

		marketHandler := handlers.NewMarketHandler(deps.BrokerService)
		api.HandleFunc("/market/quotes", marketHandler.GetQuotes).Methods("GET")
		api.HandleFunc("/market/positions", marketHandler.GetPositions).Methods("GET")
		api.HandleFunc("/market/candles", marketHandler.GetCandles).Methods("GET")
	}

	if deps.OrderService != nil {
		orderHandler := handlers.NewOrderHandler(deps.OrderService)
		api.HandleFunc("/orders", orderHandler.PlaceOrder).Methods("POST")
	}

	if deps.RiskService != nil {
		riskHandler := handlers.NewRiskHandler(deps.RiskService)
		api.HandleFunc("/risk/profile", riskHandler.GetProfile).Methods("GET")
		api.HandleFunc("/risk/profile", riskHandler.UpdateProfile).Methods("PUT")
		api.HandleFunc("/risk/check", riskHandler.Check).Methods("POST")
	}

	if deps.SignalService != nil {
		signalHandler := handlers.NewSignalHandler(deps.SignalService)
		api.HandleFunc("/signals", signalHandler.ListSignals).Methods("GET")
		api.HandleFunc("/signals", signalHandler.CreateSignal).Methods("POST")
		api.HandleFunc("/signals/{id}", signalHandler.GetSignal).Methods("GET")
		api.HandleFunc("/signals/{id}", signalHandler.UpdateSignal).Methods("PATCH")
		api.HandleFunc("/signals/{id}/execute", signalHandler.ExecuteSignal).Methods("POST")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", deps.Hub.ServeWS).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	started := time.Now()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		clients := 0
		var dropped int64
		if deps.Hub != nil {
			clients = deps.Hub.ClientCount()
			dropped = deps.Hub.DroppedMessages()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":` +
			strconv.Itoa(int(time.Since(started).Seconds())) +
			`,"realtime_clients":` + strconv.Itoa(clients) +
			`,"realtime_dropped":` + strconv.FormatInt(dropped, 10) + `}`))
	}).Methods("GET")

	return router
}
