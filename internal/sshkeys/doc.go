// Package sshkeys generates and stores ED25519 key pairs for key-file and
// certificate connection profiles.
//
// Private keys are written with mode 0600 inside a 0700 directory, either as
// PKCS#8 PEM or, when a passphrase is given, as an encrypted OpenSSH key.
// Public keys use the authorized_keys format.
package sshkeys
