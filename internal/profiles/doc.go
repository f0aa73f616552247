// Package profiles stores saved SSH connection profiles in the database.
//
// Secrets (the profile password, key passphrase and account passwords) are
// encrypted with the crypto package before they reach a row and decrypted
// only when a profile is turned into sshsession.ConnectParams. Profiles can be
// exported to and imported from a YAML document that keeps the secrets in
// their encrypted form.
package profiles
