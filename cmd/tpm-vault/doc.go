// Package main (cmd/tpm-vault) manages encrypted file-backed vaults whose
// master key is sealed to the local TPM under a PCR policy.
//
// A vault named NAME consists of NAME.img in the working directory, a LUKS2
// container inside it, and a filesystem mounted at ./NAME while open:
//
//	tpm-vault create data 512M
//	tpm-vault open data
//	tpm-vault list
//	tpm-vault close data
//	tpm-vault wipe data
//
// The key never touches the disk in the clear. If the firmware, bootloader or
// Secure Boot state changes, PCRs 0 and 7 no longer match and the vault cannot
// be opened. Wiping removes the sealed key and makes the image permanently
// unreadable.
//
// All commands require root.
package main
