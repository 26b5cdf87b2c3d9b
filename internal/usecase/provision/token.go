package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
)

// mintAccessToken signs the candidate access token embedded in the launch
// URL. The signing secret is derived per workspace from the master key, so a
// leaked token never compromises another session.
func mintAccessToken(masterKey string, ws *workspace.Workspace) (string, error) {
	expiry := time.Now().Add(24 * time.Hour)
	if ws.AvailabilityEndsAt != nil {
		expiry = *ws.AvailabilityEndsAt
	}

	claims := jwt.MapClaims{
		"sub":  ws.ID,
		"name": ws.CandidateName,
		"kind": string(ws.Kind()),
		"iat":  time.Now().Unix(),
		"exp":  expiry.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(deriveSecret(masterKey, ws.ID)))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// deriveSecret generates a deterministic but unique signing secret for each
// workspace from the master key.
func deriveSecret(masterKey, workspaceID string) string {
	if masterKey == "" {
		masterKey = "default-insecure-key-change-in-production"
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s-%s", masterKey, workspaceID)))
	return hex.EncodeToString(hash[:])
}
