// Package ember is the authentication and session-security core for a
// multi-tenant SaaS: password and passwordless login, server-side sessions
// behind signed cookies, CSRF double-submit, single-use email tokens,
// TOTP + backup-code MFA, WebAuthn passkeys, and OAuth social login.
//
// The package is transport-agnostic. An [Engine], built through [Builder],
// orchestrates flows against caller-supplied store interfaces; the
// middleware package adapts it to net/http. Engine methods are safe for
// concurrent use after [Builder.Build].
//
// # Architecture boundaries
//
// ember is the public surface. Cryptographic building blocks live in the
// signedcookie and password sub-packages; rate-limit buckets go through the
// [KV] interface (kvredis provides Redis); relational persistence is
// entirely behind the [Stores] interfaces and never touched directly.
//
// # Security posture
//
// Raw secrets never persist: session tokens are random keys, single-use
// tokens and backup codes store SHA-256 digests, passwords store Argon2id
// hashes. Enumeration-sensitive flows return uniform outcomes, and every
// cookie the engine issues is HMAC-signed with [Config.Secret].
package ember
