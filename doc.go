/*
Package aptgate is a tool for maintaining filtered mirrors of Debian/Ubuntu
APT repositories.

aptgate mirrors only the packages an operator has whitelisted, optionally
pulling in their dependency closure, and republishes the result as a
self-contained repository signed with a local key. Features include:
  - Conditional index fetches with mirror failover
  - PGP verification of the upstream archive signature
  - Whitelist filtering with transitive dependency resolution
  - Content-addressed package pool with payload reuse across syncs
  - Atomic publication with file locking

The main packages are:

	github.com/aptgate/aptgate/internal/apt     - APT repository format parsing and validation
	github.com/aptgate/aptgate/internal/mirror  - Mirroring, filtering, and publish logic
	github.com/aptgate/aptgate/cmd/aptgate      - Command-line interface
*/
package aptgate
