// Package utils provides shared utility functions and constants
package utils

// ContextKeyCreds is the key used to store credentials in the echo context
const ContextKeyCreds = "creds"

// CookieName is the name of the session cookie
const CookieName = "IronSeal"

// HeaderSignedQuery carries a capability URL's query string on API calls.
const HeaderSignedQuery = "X-Signed-Query"
