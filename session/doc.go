// Package session mints and validates signed session tokens that carry
// the account's session version. Bumping the version in the user store
// invalidates every token minted before the bump without any token-side
// state.
package session
