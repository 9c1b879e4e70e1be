package app

import (
	"context"
	"errors"

	"github.com/R3E-Network/contract_ledger/internal/app/services/backup"
	"github.com/R3E-Network/contract_ledger/internal/app/services/contracts"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
	"github.com/R3E-Network/contract_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/contract_ledger/internal/app/system"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil store defaults to the
// in-memory implementation.
type Stores struct {
	Contracts storage.ContractStore
}

// Cipher seals and opens monetary fields and names its key.
type Cipher interface {
	backup.Cipher
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Contracts *contracts.Service
	Backup    *backup.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, cipher Cipher, log *logger.Logger) (*Application, error) {
	if cipher == nil {
		return nil, errors.New("amount cipher is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Contracts == nil {
		log.Warn("no contract store configured; using in-memory store")
		stores.Contracts = memory.New()
	}

	return &Application{
		manager:   system.NewManager(),
		log:       log,
		Contracts: contracts.New(stores.Contracts, cipher, log.Component("contracts")),
		Backup:    backup.New(stores.Contracts, cipher, log.Component("backup")),
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
