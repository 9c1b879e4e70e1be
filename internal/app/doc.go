// Package app composes the contract ledger.
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── auth/               # Principals and role tiers
//	├── domain/contract/    # Contract records, statuses, margin, history
//	├── storage/            # Store interfaces, memory and postgres
//	├── services/           # contracts (lifecycle) and backup (export/import)
//	├── httpapi/            # REST handlers and routing
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Process wiring: config, database, HTTP server
//	└── system/             # Lifecycle manager for background services
//
// Business rules live in services; handlers only decode, call and encode.
package app
