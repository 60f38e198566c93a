package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"mediaforge/internal/infra"
	"mediaforge/internal/ledger"
	"mediaforge/internal/pipeline"
	"mediaforge/internal/provider"
	"mediaforge/internal/reconcile"
	"mediaforge/internal/store"
)

// App is the handler container; dependencies are injected once at startup.
type App struct {
	Jobs      *store.Jobs
	Ledger    *ledger.Ledger
	Registry  *provider.Registry
	Completer *pipeline.Completer
	Sweeper   *reconcile.Sweeper
	Logger    infra.Logger

	validate *validator.Validate
}

func NewApp(jobs *store.Jobs, creditLedger *ledger.Ledger, registry *provider.Registry, completer *pipeline.Completer, sweeper *reconcile.Sweeper, logger infra.Logger) *App {
	return &App{
		Jobs:      jobs,
		Ledger:    creditLedger,
		Registry:  registry,
		Completer: completer,
		Sweeper:   sweeper,
		Logger:    logger,
		validate:  validator.New(),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errCode, Message: message})
}
