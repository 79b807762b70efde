// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Pantry-service is the recipe and account server. It accepts one JSON
// request per TCP connection, dispatches it by its "action" field to
// the recipe store, and answers with one JSON envelope:
//
//	{"status": "success", ...action fields}
//	{"status": "error", "message": "..."}
//
// Actions: check_login, register_user, load_users, load_recipes,
// activate_user, deactivate_user, confirm_recipe, delete_recipe,
// save_recipe, update_recipe, grant_admin_privileges, delete_user.
//
// Configuration comes from an optional YAML or JSONC file (--config or
// PANTRY_CONFIG, see lib/config); --listen, --database, --images,
// --framing, and --log-level override it. SIGINT or SIGTERM stops
// accepting connections and waits for in-flight requests.
package main
