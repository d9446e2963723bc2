// Package limiters provides the failed-attempt counter used around credential
// checks.
//
// # Limiters
//
//   - [LockoutLimiter] counts failures per identifier under "fa:<identifier>".
//     The counter's expiry is set on the first failure of a window and never
//     extended by later ones.
//
// # What this package must NOT do
//
//   - Import goState or any sibling internal package.
//   - Make policy decisions beyond counting. The engine decides whether a
//     blocked identifier is denied or whether a store outage fails open.
package limiters
