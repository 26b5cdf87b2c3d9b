package provisioning

import "strings"

// ScratchDBName derives the scratch database name for a workspace.
func ScratchDBName(workspaceID string) string {
	return "ws_" + sanitizeIdent(workspaceID)
}

// ScratchDBUser derives the scratch database role for a workspace.
func ScratchDBUser(workspaceID string) string {
	return "ws_user_" + sanitizeIdent(workspaceID)
}

func sanitizeIdent(id string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToLower(id))
}
