package common

// AuthorizationHeaderName carries the bearer token on relay requests.
const AuthorizationHeaderName = "Authorization"

// ContentMD5HeaderName is set on streamed uploads.
const ContentMD5HeaderName = "Content-MD5"

// CacheBustParam is the query parameter used to bypass a stale edge cache.
const CacheBustParam = "cb"

// XORKey obfuscates blob headers byte by byte.
const XORKey byte = 42
