// Package auth provides the credentials used by the sync service.
//
// Two kinds of principal exist:
//   - Edges authenticate with a routing key and a secret. Only the Argon2id
//     hash of the secret is stored (edges.secret_hash).
//   - Operators of the admin API authenticate with short-lived HS256 JWTs
//     carrying a role claim. Tokens are validated by signature only.
package auth
