// Package cli provides accountsctl, the operator command-line tool for the
// accounts service.
//
// # Overview
//
// Every command opens the same services the server runs on, performs one
// administrative action, and exits. Commands that change state also log a
// line through the operator logger.
//
// # Commands
//
// migrate: Apply pending schema migrations
//
//	accountsctl migrate
//
// create-client: Register a service client. The secret is printed once.
//
//	accountsctl create-client \
//		-id payroll-sync \
//		-scopes read:users,read:roles
//
// disable-client: Stop a client from minting new tokens
//
//	accountsctl disable-client -id payroll-sync
//
// bootstrap-admin: Create the first super admin
//
//	accountsctl bootstrap-admin -email root@example.com -password '...'
//
// migrate-legacy-role: Backfill one user's legacy role string
//
//	accountsctl migrate-legacy-role -user 42 -role client_hr_manager -org 7
//
// sweep: Run the maintenance jobs once
//
//	accountsctl sweep
//
// # Configuration
//
// Connection settings come from the same ACCOUNTS_* environment variables
// and optional YAML file as the server.
//
// # Related Packages
//
//   - pkg/app: Service wiring
//   - pkg/rbac: Legacy role translation
package cli
