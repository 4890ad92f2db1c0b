// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// wardend is the Warden daemon: it ingests issue-tracker webhooks,
// screens them against self-trigger and rate-limit policy, and runs
// an execution backend against each admitted issue inside an
// isolated, supervised session.
//
// Configuration comes from a single YAML file named by WARDEN_CONFIG
// or --config. The daemon exposes one HTTP surface carrying both the
// webhook endpoint (POST /webhook) and the session query API
// (GET /sessions, GET /sessions/{id}, POST /sessions/{id}/cancel).
package main
