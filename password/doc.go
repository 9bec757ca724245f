// Package password implements password hashing and verification with Argon2id defaults.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Every hash embeds a fresh random salt, so hashing the same password twice
// yields different strings. [Hasher.Verify] additionally reports whether the
// stored hash was produced with weaker parameters than the current
// configuration, so the caller can re-hash on the next successful login. The
// [Version] tag is persisted alongside hashes to let future migrations detect
// legacy formats without parsing them.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy (length,
// confirmation match) is enforced by the Engine.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords. Callers supply plaintext and receive hashes.
//   - Import any other identity package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
