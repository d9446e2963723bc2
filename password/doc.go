// Package password hashes login secrets with argon2id and provides
// [Directory], a small in-memory [goState.UserProvider] for servers that
// keep their accounts in a YAML file.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// Plaintext secrets are never logged or stored.
package password
