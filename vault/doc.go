/*
Package vault implements the vault lifecycle: create, open, close, list,
status and wipe over a sealed secret store, an encrypted container manager,
a loop device attacher and the local filesystem.

# Layout

For a vault NAME in the working directory WD:

	WD/NAME.img                image file holding the encrypted container
	WD/NAME/                   mount point, created on open
	/dev/mapper/tpm-vault-NAME plaintext mapping while open
	/HS/SRK/seal_NAME          sealed master key in the secret store

A vault exists if and only if its image file exists. Everything else is
probed from the OS on each call, never cached.

# State machine

	Absent -> Created -> Attached -> ContainerOpen -> Mounted
	           ^                                         |
	           +----------------- Close -----------------+

	Created -- Wipe --> Wiped (terminal)

# Failure handling

Create and Open undo their partial work in a fixed order when a step fails
(close mapping, detach loop device, and for Create remove the image). Undo
failures are logged and swallowed; the caller always sees the error of the
step that failed. Close attempts every step and reports the first failure.

The 64-byte master key only ever lives in a securebuf.KeyBuffer that is
destroyed before Create or Open returns.
*/
package vault
