/*
Package sealing defines what every SecretStore backend shares: the PCR
policy vault keys are bound to, the naming of sealed objects and the size
limit of a sealed payload.

# Policy

All vaults are sealed under a single policy, imported once per store and
reused afterwards:

	path: /policy/tpm_vault_pcr
	bank: sha256
	pcrs: 0, 7

PCR 0 measures the platform firmware and PCR 7 the Secure Boot state, so a
firmware update or a change of Secure Boot keys makes every vault sealed
before the change permanently unreadable. There is no re-seal path.

# Naming

The secret of vault NAME lives at /HS/SRK/seal_NAME in the store's
hierarchy. Backends map that path onto their own layout.

# Backends

  - tpm2store talks to the TPM directly through go-tpm and keeps sealed
    blobs in a local keystore directory.
  - fapistore drives the tss2 FAPI command-line tools.
*/
package sealing
