package registry

import "encoding/json"

// DefaultRegistrations describes the dispatch policy for every tool in
// mcptools.ToolCatalog; cmd/vtcode/main.go registers all of them except
// GitStatus and GitDiff. Grounded on each handler's
// actual behavior in internal/mcptools: whether it touches the filesystem
// or network, and whether re-issuing a failed call is safe.
func DefaultRegistrations() []Registration {
	return []Registration{
		{
			Name:              "Read",
			Category:          CategoryDefault,
			DefaultPermission: PermissionAllow,
			IsMutating:        false,
			IsParallelSafe:    true,
			RetrySafeDefault:  true,
		},
		{
			Name:              "Grep",
			Category:          CategoryDefault,
			DefaultPermission: PermissionAllow,
			IsMutating:        false,
			IsParallelSafe:    true,
			RetrySafeDefault:  true,
		},
		{
			Name:              "WebFetch",
			Category:          CategoryLongRunning,
			DefaultPermission: PermissionPrompt,
			IsMutating:        false,
			IsParallelSafe:    true,
			RetrySafeDefault:  true,
		},
		{
			Name:              "WebSearch",
			Category:          CategoryLongRunning,
			DefaultPermission: PermissionPrompt,
			IsMutating:        false,
			IsParallelSafe:    true,
			RetrySafeDefault:  true,
		},
		{
			Name:              "GitStatus",
			Category:          CategoryDefault,
			DefaultPermission: PermissionAllow,
			IsMutating:        false,
			IsParallelSafe:    true,
			RetrySafeDefault:  true,
		},
		{
			Name:              "GitDiff",
			Category:          CategoryDefault,
			DefaultPermission: PermissionAllow,
			IsMutating:        false,
			IsParallelSafe:    true,
			RetrySafeDefault:  true,
		},
		{
			Name:              "Edit",
			Category:          CategoryDefault,
			DefaultPermission: PermissionPrompt,
			IsMutating:        true,
			IsParallelSafe:    false,
			RetrySafeDefault:  false,
		},
		{
			Name:              "Shell",
			Category:          CategoryLongRunning,
			DefaultPermission: PermissionPrompt,
			IsMutating:        true,
			IsParallelSafe:    false,
			RetrySafeDefault:  false,
		},
		{
			Name:              "TodoWrite",
			Category:          CategoryDefault,
			DefaultPermission: PermissionAllow,
			IsMutating:        true,
			IsParallelSafe:    false,
			// Scratchpad overwrite is idempotent for a fixed argument set.
			RetrySafeDefault: true,
		},
		{
			Name:              "TaskTracker",
			Category:          CategoryDefault,
			DefaultPermission: PermissionAllow,
			IsMutating:        true,
			IsParallelSafe:    false,
			RetryClassifier:   taskTrackerRetrySafe,
		},
		{
			Name:              "SubAgent",
			Category:          CategoryLongRunning,
			DefaultPermission: PermissionPrompt,
			IsMutating:        true,
			IsParallelSafe:    false,
			RetrySafeDefault:  false,
		},
	}
}

// taskTrackerRetrySafe allows retrying list (read-only), create (replaces
// the checklist with a fresh one) and add (append-only) but not update,
// which may have already applied a status
// transition that a blind retry would repeat against the wrong item.
func taskTrackerRetrySafe(args json.RawMessage) bool {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return false
	}
	switch probe.Action {
	case "list", "create", "add":
		return true
	default:
		return false
	}
}
