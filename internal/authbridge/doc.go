// Package authbridge completes backend sign-in for the terminal client.
//
// The backend finishes the provider flow on its callback page and leaves
// the session token and profile in a transient store. The Bridge polls
// every open Source once a second for up to two minutes, and promotes the
// first record younger than thirty seconds into the credential store. The
// record is removed as it is promoted, so it is consumed at most once.
//
// In the terminal the callback page is replaced by CallbackServer, a
// loopback listener that only accepts deliveries carrying the per-login
// state nonce.
package authbridge
