/*
Package tpm2store implements interfaces.SecretStore directly on top of a
TPM 2.0 chip using go-tpm.

A persistent ECC storage root key (SRK) lives at 0x81000001. Each secret is
sealed as a keyed-hash object under the SRK whose auth policy is a
PolicyPCR digest over the current PCR values. The TPM returns the sealed
object as an encrypted private/public pair, which is kept in a Keystore
directory:

	<keystore>/policy/tpm_vault_pcr.json
	<keystore>/HS/SRK/seal_<name>.json

A sealed blob file is useless on any other TPM and, once the PCRs drift,
on this one as well.
*/
package tpm2store
